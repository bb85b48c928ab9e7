package sdp

// SectionDelta is the source delta for one media section index.
type SectionDelta struct {
	Index   int
	Mid     string
	Added   MediaSources
	Removed MediaSources
}

// Delta holds the per-section source differences between two snapshots.
type Delta struct {
	Sections []SectionDelta
}

func (d *Delta) Empty() bool {
	for _, s := range d.Sections {
		if len(s.Added.Order) > 0 || len(s.Added.Groups) > 0 ||
			len(s.Removed.Order) > 0 || len(s.Removed.Groups) > 0 {
			return false
		}
	}
	return true
}

// Diff computes which SSRCs and ssrc-groups appear in next but not prev
// (Added) and in prev but not next (Removed), per media section index.
// Containment uses the whole description, not only the matching section.
func Diff(prev, next *Description) Delta {
	var delta Delta
	n := len(prev.Media)
	if len(next.Media) > n {
		n = len(next.Media)
	}
	prevSrc := prev.Sources()
	nextSrc := next.Sources()
	for i := 0; i < n; i++ {
		sd := SectionDelta{Index: i}
		var ps, ns MediaSources
		if i < len(prevSrc) {
			ps = prevSrc[i]
		}
		if i < len(nextSrc) {
			ns = nextSrc[i]
		}
		sd.Mid = ns.Mid
		if sd.Mid == "" {
			sd.Mid = ps.Mid
		}
		sd.Added = diffSources(ns, prev)
		sd.Removed = diffSources(ps, next)
		delta.Sections = append(delta.Sections, sd)
	}
	return delta
}

// diffSources keeps everything of have that other does not contain anywhere.
func diffSources(have MediaSources, other *Description) MediaSources {
	out := MediaSources{Mid: have.Mid, Lines: make(map[uint32][]string)}
	for _, ssrc := range have.Order {
		if other.ContainsSSRC(ssrc) {
			continue
		}
		out.Order = append(out.Order, ssrc)
		out.Lines[ssrc] = have.Lines[ssrc]
	}
	// Groups are identified by semantics alone.
	otherGroups := make(map[string]bool)
	for _, ms := range other.Sources() {
		for _, g := range ms.Groups {
			otherGroups[g.Semantics] = true
		}
	}
	for _, g := range have.Groups {
		if !otherGroups[g.Semantics] {
			out.Groups = append(out.Groups, g)
		}
	}
	return out
}
