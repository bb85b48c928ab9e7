package jingle

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/dkeye/rtcsig/internal/sdp"
)

// ToJingle renders a description as a <jingle> element with one <content>
// child per media section. The action/sid attributes are left for the
// transport to stamp when it wraps the element into an IQ.
func ToJingle(d *sdp.Description, role Role) *etree.Element {
	jin := etree.NewElement("jingle")
	jin.CreateAttr("xmlns", NSJingle)
	sources := d.Sources()
	for i := range d.Media {
		jin.AddChild(contentElement(d, i, sources[i], role))
	}
	return jin
}

func contentElement(d *sdp.Description, i int, src sdp.MediaSources, role Role) *etree.Element {
	content := etree.NewElement("content")
	content.CreateAttr("creator", "initiator")
	name := src.Mid
	if name == "" {
		name = d.MediaKind(i)
	}
	content.CreateAttr("name", name)
	content.CreateAttr("senders", sendersFor(d.Direction(i), role))

	desc := content.CreateElement("description")
	desc.CreateAttr("xmlns", NSRTP)
	desc.CreateAttr("media", d.MediaKind(i))
	if len(src.Order) > 0 {
		desc.CreateAttr("ssrc", formatSSRC(src.Order[0]))
	}

	for _, ln := range d.Lines(i, "a=rtpmap:") {
		desc.AddChild(payloadTypeElement(d, i, ln))
	}
	for _, ln := range d.Lines(i, "a=extmap:") {
		if el := hdrExtElement(ln); el != nil {
			desc.AddChild(el)
		}
	}
	appendSourceElements(desc, src)

	content.AddChild(transportElement(d, i))
	return content
}

func payloadTypeElement(d *sdp.Description, i int, rtpmap string) *etree.Element {
	pt := etree.NewElement("payload-type")
	rest := strings.TrimPrefix(rtpmap, "a=rtpmap:")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return pt
	}
	id := rest[:sp]
	enc := strings.Split(rest[sp+1:], "/")
	pt.CreateAttr("id", id)
	pt.CreateAttr("name", enc[0])
	if len(enc) > 1 {
		pt.CreateAttr("clockrate", enc[1])
	}
	if len(enc) > 2 {
		pt.CreateAttr("channels", enc[2])
	}
	for _, fl := range d.Lines(i, "a=fmtp:"+id+" ") {
		params := strings.TrimPrefix(fl, "a=fmtp:"+id+" ")
		for _, kv := range strings.Split(params, ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			p := pt.CreateElement("parameter")
			if k, v, ok := strings.Cut(kv, "="); ok {
				p.CreateAttr("name", k)
				p.CreateAttr("value", v)
			} else {
				p.CreateAttr("name", "")
				p.CreateAttr("value", kv)
			}
		}
	}
	// XEP-0293 rtcp-fb mapping.
	for _, fb := range d.Lines(i, "a=rtcp-fb:"+id+" ") {
		value := strings.TrimPrefix(fb, "a=rtcp-fb:"+id+" ")
		el := pt.CreateElement("rtcp-fb")
		el.CreateAttr("xmlns", NSRtcpFb)
		if t, sub, ok := strings.Cut(value, " "); ok {
			el.CreateAttr("type", t)
			el.CreateAttr("subtype", sub)
		} else {
			el.CreateAttr("type", value)
		}
	}
	return pt
}

func hdrExtElement(extmap string) *etree.Element {
	rest := strings.TrimPrefix(extmap, "a=extmap:")
	id, uri, ok := strings.Cut(rest, " ")
	if !ok {
		return nil
	}
	// Direction suffixes ("1/recvonly") are not carried.
	if slash := strings.IndexByte(id, '/'); slash >= 0 {
		id = id[:slash]
	}
	el := etree.NewElement("rtp-hdrext")
	el.CreateAttr("xmlns", NSHdrExt)
	el.CreateAttr("id", id)
	el.CreateAttr("uri", uri)
	return el
}

// appendSourceElements emits <source> and <ssrc-group> children. A source
// without a single msid parameter is skipped so placeholder sources never
// desynchronize the two sides.
func appendSourceElements(desc *etree.Element, src sdp.MediaSources) {
	for _, ssrc := range src.Order {
		lines := src.Lines[ssrc]
		if _, ok := sdp.SourceParam(lines, "msid"); !ok {
			continue
		}
		el := desc.CreateElement("source")
		el.CreateAttr("xmlns", NSSources)
		el.CreateAttr("ssrc", formatSSRC(ssrc))
		for _, name := range []string{"cname", "msid", "mslabel", "label"} {
			if v, ok := sdp.SourceParam(lines, name); ok {
				p := el.CreateElement("parameter")
				p.CreateAttr("name", name)
				p.CreateAttr("value", v)
			}
		}
	}
	for _, g := range src.Groups {
		el := desc.CreateElement("ssrc-group")
		el.CreateAttr("xmlns", NSSources)
		el.CreateAttr("semantics", g.Semantics)
		for _, ssrc := range g.SSRCs {
			s := el.CreateElement("source")
			s.CreateAttr("ssrc", formatSSRC(ssrc))
		}
	}
}

func transportElement(d *sdp.Description, i int) *etree.Element {
	tr := etree.NewElement("transport")
	tr.CreateAttr("xmlns", NSIceUDP)
	if ln, ok := lineWithSessionFallback(d, i, "a=ice-ufrag:"); ok {
		tr.CreateAttr("ufrag", strings.TrimPrefix(ln, "a=ice-ufrag:"))
	}
	if ln, ok := lineWithSessionFallback(d, i, "a=ice-pwd:"); ok {
		tr.CreateAttr("pwd", strings.TrimPrefix(ln, "a=ice-pwd:"))
	}
	if ln, ok := lineWithSessionFallback(d, i, "a=fingerprint:"); ok {
		rest := strings.TrimPrefix(ln, "a=fingerprint:")
		if hash, value, ok := strings.Cut(rest, " "); ok {
			fp := tr.CreateElement("fingerprint")
			fp.CreateAttr("xmlns", NSDTLS)
			fp.CreateAttr("hash", hash)
			if setup, ok := lineWithSessionFallback(d, i, "a=setup:"); ok {
				fp.CreateAttr("setup", strings.TrimPrefix(setup, "a=setup:"))
			}
			fp.SetText(value)
		}
	}
	for _, ln := range d.Lines(i, "a=candidate:") {
		if el := CandidateElement(ln); el != nil {
			tr.AddChild(el)
		}
	}
	return tr
}

// candidateElement maps "a=candidate:foundation component proto priority
// ip port typ type [raddr a rport p] [generation g]" to XEP-0176 attributes.
func CandidateElement(line string) *etree.Element {
	fields := strings.Fields(strings.TrimPrefix(line, "a=candidate:"))
	if len(fields) < 8 || fields[6] != "typ" {
		return nil
	}
	el := etree.NewElement("candidate")
	el.CreateAttr("foundation", fields[0])
	el.CreateAttr("component", fields[1])
	el.CreateAttr("protocol", strings.ToLower(fields[2]))
	el.CreateAttr("priority", fields[3])
	el.CreateAttr("ip", fields[4])
	el.CreateAttr("port", fields[5])
	el.CreateAttr("type", fields[7])
	generation := "0"
	for j := 8; j+1 < len(fields); j += 2 {
		switch fields[j] {
		case "raddr":
			el.CreateAttr("rel-addr", fields[j+1])
		case "rport":
			el.CreateAttr("rel-port", fields[j+1])
		case "generation":
			generation = fields[j+1]
		}
	}
	el.CreateAttr("generation", generation)
	return el
}

func sendersFor(direction string, role Role) string {
	var senders string
	switch direction {
	case "sendonly":
		senders = "initiator"
	case "recvonly":
		senders = "responder"
	case "inactive":
		senders = "none"
	default:
		senders = "both"
	}
	if role == RoleResponder {
		switch senders {
		case "initiator":
			senders = "responder"
		case "responder":
			senders = "initiator"
		}
	}
	return senders
}

func lineWithSessionFallback(d *sdp.Description, i int, prefix string) (string, bool) {
	if ln, ok := d.FirstLine(i, prefix); ok {
		return ln, true
	}
	return d.FirstLine(-1, prefix)
}

func formatSSRC(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
