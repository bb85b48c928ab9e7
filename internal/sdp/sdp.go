// Package sdp models a session description as ordered text blocks: one
// session-level block followed by one block per media section. Blocks keep
// their original line terminators so that Marshal reproduces the input
// byte-for-byte unless a mutation was applied explicitly.
package sdp

import (
	"strconv"
	"strings"
)

type Description struct {
	Session string
	Media   []string
}

// Parse splits a raw description on media-section boundaries. Every line
// starting with "m=" opens a new block; everything before the first one is
// the session-level block.
func Parse(text string) *Description {
	d := &Description{}
	lines := splitLines(text)
	var cur strings.Builder
	inMedia := false
	for _, ln := range lines {
		if strings.HasPrefix(ln, "m=") {
			if inMedia {
				d.Media = append(d.Media, cur.String())
			} else {
				d.Session = cur.String()
				inMedia = true
			}
			cur.Reset()
		}
		cur.WriteString(ln)
	}
	if inMedia {
		d.Media = append(d.Media, cur.String())
	} else {
		d.Session = cur.String()
	}
	return d
}

// Marshal re-joins the session block and media blocks.
func (d *Description) Marshal() string {
	var b strings.Builder
	b.WriteString(d.Session)
	for _, m := range d.Media {
		b.WriteString(m)
	}
	return b.String()
}

func (d *Description) Clone() *Description {
	c := &Description{Session: d.Session}
	c.Media = append(c.Media, d.Media...)
	return c
}

// MediaIndex returns the index of the first media section of the given kind
// ("audio", "video", "application"), or -1.
func (d *Description) MediaIndex(kind string) int {
	for i, m := range d.Media {
		if strings.HasPrefix(m, "m="+kind+" ") || strings.HasPrefix(m, "m="+kind+"\r") || strings.HasPrefix(m, "m="+kind+"\n") {
			return i
		}
	}
	return -1
}

// MediaKind returns the media type token of section i ("audio", "video", ...).
func (d *Description) MediaKind(i int) string {
	if i < 0 || i >= len(d.Media) {
		return ""
	}
	first, _ := firstLineOf(d.Media[i])
	fields := strings.Fields(strings.TrimPrefix(first, "m="))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Mid returns the a=mid value of section i, or "" when absent.
func (d *Description) Mid(i int) string {
	if v, ok := d.FirstLine(i, "a=mid:"); ok {
		return strings.TrimPrefix(v, "a=mid:")
	}
	return ""
}

// blockFor selects the text block for a section index; -1 addresses the
// session-level block.
func (d *Description) blockFor(i int) (string, bool) {
	if i == -1 {
		return d.Session, true
	}
	if i < 0 || i >= len(d.Media) {
		return "", false
	}
	return d.Media[i], true
}

func (d *Description) setBlock(i int, block string) {
	if i == -1 {
		d.Session = block
		return
	}
	d.Media[i] = block
}

// FirstLine returns the first line of section i with the given prefix,
// without its terminator.
func (d *Description) FirstLine(i int, prefix string) (string, bool) {
	block, ok := d.blockFor(i)
	if !ok {
		return "", false
	}
	for _, ln := range splitLines(block) {
		t := trimEOL(ln)
		if strings.HasPrefix(t, prefix) {
			return t, true
		}
	}
	return "", false
}

// Lines returns every line of section i with the given prefix, terminators
// stripped, in document order.
func (d *Description) Lines(i int, prefix string) []string {
	block, ok := d.blockFor(i)
	if !ok {
		return nil
	}
	var out []string
	for _, ln := range splitLines(block) {
		t := trimEOL(ln)
		if strings.HasPrefix(t, prefix) {
			out = append(out, t)
		}
	}
	return out
}

// AddLines appends attribute lines to the end of section i, using the
// section's own line terminator.
func (d *Description) AddLines(i int, lines ...string) {
	block, ok := d.blockFor(i)
	if !ok || len(lines) == 0 {
		return
	}
	eol := dominantEOL(block)
	var b strings.Builder
	b.WriteString(block)
	if block != "" && !strings.HasSuffix(block, "\n") {
		b.WriteString(eol)
	}
	for _, ln := range lines {
		b.WriteString(ln)
		b.WriteString(eol)
	}
	d.setBlock(i, b.String())
}

// RemoveLines deletes every line of section i that matches one of the given
// lines exactly (terminator excluded).
func (d *Description) RemoveLines(i int, lines ...string) {
	block, ok := d.blockFor(i)
	if !ok || len(lines) == 0 {
		return
	}
	drop := make(map[string]bool, len(lines))
	for _, ln := range lines {
		drop[ln] = true
	}
	var b strings.Builder
	for _, ln := range splitLines(block) {
		if drop[trimEOL(ln)] {
			continue
		}
		b.WriteString(ln)
	}
	d.setBlock(i, b.String())
}

// RemovePrefix deletes every line of section i starting with prefix.
func (d *Description) RemovePrefix(i int, prefix string) {
	block, ok := d.blockFor(i)
	if !ok {
		return
	}
	var b strings.Builder
	for _, ln := range splitLines(block) {
		if strings.HasPrefix(trimEOL(ln), prefix) {
			continue
		}
		b.WriteString(ln)
	}
	d.setBlock(i, b.String())
}

// Direction returns the direction attribute of section i, falling back to
// the session-level attribute and then to "sendrecv".
func (d *Description) Direction(i int) string {
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := d.FirstLine(i, "a="+dir); ok {
			return dir
		}
	}
	for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := d.FirstLine(-1, "a="+dir); ok {
			return dir
		}
	}
	return "sendrecv"
}

func firstLineOf(block string) (string, bool) {
	lines := splitLines(block)
	if len(lines) == 0 {
		return "", false
	}
	return trimEOL(lines[0]), true
}

// splitLines splits a block after every "\n", keeping each line's
// terminator attached so the pieces re-join byte-identically.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\r\n")
}

func dominantEOL(block string) string {
	if strings.Contains(block, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
