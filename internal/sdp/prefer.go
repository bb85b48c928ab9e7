package sdp

import (
	"strings"
)

// Codec preference transforms. They operate purely on the m= line payload
// ordering; every attribute line outside the touched payloads stays
// byte-identical.

func PreferH264(text string) string { return preferCodec(text, "video", "H264") }
func PreferOpus(text string) string { return preferCodec(text, "audio", "opus") }
func PreferISAC(text string) string { return preferCodec(text, "audio", "ISAC") }

// preferCodec moves every payload id mapped to the named codec to the front
// of the media section's m= line.
func preferCodec(text, kind, codec string) string {
	d := Parse(text)
	i := d.MediaIndex(kind)
	if i == -1 {
		return text
	}
	ids := payloadIDs(d, i, codec)
	if len(ids) == 0 {
		return text
	}
	preferred := make(map[string]bool, len(ids))
	for _, id := range ids {
		preferred[id] = true
	}
	rewriteMLine(d, i, func(payloads []string) []string {
		front := make([]string, 0, len(payloads))
		rest := make([]string, 0, len(payloads))
		for _, p := range payloads {
			if preferred[p] {
				front = append(front, p)
			} else {
				rest = append(rest, p)
			}
		}
		return append(front, rest...)
	})
	return d.Marshal()
}

// RemoveCodec strips the named codec from the media section: its payload
// ids leave the m= line and their rtpmap/fmtp/rtcp-fb lines are deleted.
// Comfort-noise payloads whose clock rate no longer matches any remaining
// codec are stripped with it.
func RemoveCodec(text, kind, codec string) string {
	d := Parse(text)
	i := d.MediaIndex(kind)
	if i == -1 {
		return text
	}
	ids := payloadIDs(d, i, codec)
	if len(ids) == 0 {
		return text
	}
	removePayloads(d, i, ids)

	// Clock rates still served by a non-CN codec.
	alive := make(map[string]bool)
	var orphanedCN []string
	for _, ln := range d.Lines(i, "a=rtpmap:") {
		id, name, clock := parseRtpmap(ln)
		if id == "" {
			continue
		}
		if strings.EqualFold(name, "CN") {
			continue
		}
		alive[clock] = true
	}
	for _, ln := range d.Lines(i, "a=rtpmap:") {
		id, name, clock := parseRtpmap(ln)
		if strings.EqualFold(name, "CN") && !alive[clock] {
			orphanedCN = append(orphanedCN, id)
		}
	}
	if len(orphanedCN) > 0 {
		removePayloads(d, i, orphanedCN)
	}
	return d.Marshal()
}

// payloadIDs returns the payload ids whose rtpmap names the codec.
func payloadIDs(d *Description, i int, codec string) []string {
	var ids []string
	for _, ln := range d.Lines(i, "a=rtpmap:") {
		id, name, _ := parseRtpmap(ln)
		if id != "" && strings.EqualFold(name, codec) {
			ids = append(ids, id)
		}
	}
	return ids
}

// parseRtpmap splits "a=rtpmap:111 opus/48000/2" into id, codec name and
// clock rate.
func parseRtpmap(line string) (id, name, clock string) {
	rest := strings.TrimPrefix(line, "a=rtpmap:")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return "", "", ""
	}
	id = rest[:sp]
	enc := strings.Split(rest[sp+1:], "/")
	name = enc[0]
	if len(enc) > 1 {
		clock = enc[1]
	}
	return id, name, clock
}

// rewriteMLine rewrites the payload id list of section i's m= line in place,
// preserving the line's terminator and every other field.
func rewriteMLine(d *Description, i int, fn func([]string) []string) {
	block := d.Media[i]
	lines := splitLines(block)
	if len(lines) == 0 {
		return
	}
	first := trimEOL(lines[0])
	eol := lines[0][len(first):]
	fields := strings.Fields(first)
	if len(fields) < 4 {
		return
	}
	payloads := fn(fields[3:])
	lines[0] = strings.Join(append(fields[:3:3], payloads...), " ") + eol
	d.Media[i] = strings.Join(lines, "")
}

func removePayloads(d *Description, i int, ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	rewriteMLine(d, i, func(payloads []string) []string {
		out := make([]string, 0, len(payloads))
		for _, p := range payloads {
			if !drop[p] {
				out = append(out, p)
			}
		}
		return out
	})
	for _, id := range ids {
		var gone []string
		for _, prefix := range []string{"a=rtpmap:", "a=fmtp:", "a=rtcp-fb:"} {
			for _, ln := range d.Lines(i, prefix) {
				rest := strings.TrimPrefix(ln, prefix)
				if rest == id || strings.HasPrefix(rest, id+" ") {
					gone = append(gone, ln)
				}
			}
		}
		d.RemoveLines(i, gone...)
	}
}
