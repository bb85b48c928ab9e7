package sdp

import "strings"

// SourceGroup mirrors one "a=ssrc-group:<semantics> <ssrc...>" line.
type SourceGroup struct {
	Semantics string
	SSRCs     []uint32
}

// MediaSources is the derived per-section view of a description's sources.
// Attribute lines are kept whole so they can be spliced back verbatim.
type MediaSources struct {
	Mid    string
	Order  []uint32
	Lines  map[uint32][]string
	Groups []SourceGroup
}

// Sources extracts the SSRC map for every media section. The result is
// derived transiently; it never aliases the description's blocks.
func (d *Description) Sources() []MediaSources {
	out := make([]MediaSources, len(d.Media))
	for i := range d.Media {
		ms := MediaSources{
			Mid:   d.Mid(i),
			Lines: make(map[uint32][]string),
		}
		for _, ln := range d.Lines(i, "a=ssrc:") {
			rest := strings.TrimPrefix(ln, "a=ssrc:")
			sp := strings.IndexByte(rest, ' ')
			if sp < 0 {
				continue
			}
			ssrc, ok := parseUint32(rest[:sp])
			if !ok {
				continue
			}
			if _, seen := ms.Lines[ssrc]; !seen {
				ms.Order = append(ms.Order, ssrc)
			}
			ms.Lines[ssrc] = append(ms.Lines[ssrc], ln)
		}
		for _, ln := range d.Lines(i, "a=ssrc-group:") {
			fields := strings.Fields(strings.TrimPrefix(ln, "a=ssrc-group:"))
			if len(fields) < 2 {
				continue
			}
			g := SourceGroup{Semantics: fields[0]}
			for _, f := range fields[1:] {
				if v, ok := parseUint32(f); ok {
					g.SSRCs = append(g.SSRCs, v)
				}
			}
			ms.Groups = append(ms.Groups, g)
		}
		out[i] = ms
	}
	return out
}

// SourceParam returns the value of one ssrc attribute ("cname", "msid", ...)
// from a set of a=ssrc lines.
func SourceParam(lines []string, name string) (string, bool) {
	for _, ln := range lines {
		rest := strings.TrimPrefix(ln, "a=ssrc:")
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			continue
		}
		attr := rest[sp+1:]
		if v, ok := strings.CutPrefix(attr, name+":"); ok {
			return v, true
		}
	}
	return "", false
}

// ContainsSSRC reports whether the ssrc appears in any media section.
// The check is deliberately cross-media: a source known to one section is
// treated as present for the whole description.
func (d *Description) ContainsSSRC(ssrc uint32) bool {
	for _, ms := range d.Sources() {
		if _, ok := ms.Lines[ssrc]; ok {
			return true
		}
	}
	return false
}
