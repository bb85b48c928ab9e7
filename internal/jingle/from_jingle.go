package jingle

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/dkeye/rtcsig/internal/sdp"
)

// FromJingle rebuilds a session description from a <jingle> element, one
// media section per <content> child.
func FromJingle(jin *etree.Element) *sdp.Description {
	d := &sdp.Description{
		Session: strings.Join([]string{
			"v=0",
			"o=- 1 1 IN IP4 0.0.0.0",
			"s=-",
			"t=0 0",
			"",
		}, "\r\n"),
	}
	var mids []string
	for _, content := range jin.SelectElements("content") {
		block, mid := mediaSection(content)
		if block == "" {
			continue
		}
		d.Media = append(d.Media, block)
		mids = append(mids, mid)
	}
	if len(mids) > 0 {
		d.Session += "a=group:BUNDLE " + strings.Join(mids, " ") + "\r\n"
	}
	return d
}

func mediaSection(content *etree.Element) (string, string) {
	desc := content.SelectElement("description")
	if desc == nil {
		return "", ""
	}
	media := desc.SelectAttrValue("media", "")
	name := content.SelectAttrValue("name", media)
	senders := content.SelectAttrValue("senders", "both")

	var lines []string
	var payloadIDs []string
	payloads := desc.SelectElements("payload-type")
	for _, pt := range payloads {
		payloadIDs = append(payloadIDs, pt.SelectAttrValue("id", ""))
	}

	transport := content.SelectElement("transport")
	proto := "RTP/AVPF"
	if transport != nil && transport.SelectElement("fingerprint") != nil {
		proto = "UDP/TLS/RTP/SAVPF"
	}
	// A rejected content maps to a zero port.
	port := "1"
	if senders == "rejected" {
		port = "0"
	}
	lines = append(lines,
		"m="+media+" "+port+" "+proto+" "+strings.Join(payloadIDs, " "),
		"c=IN IP4 0.0.0.0",
		"a=rtcp:1 IN IP4 0.0.0.0",
	)

	if transport != nil {
		if ufrag := transport.SelectAttrValue("ufrag", ""); ufrag != "" {
			lines = append(lines, "a=ice-ufrag:"+ufrag)
		}
		if pwd := transport.SelectAttrValue("pwd", ""); pwd != "" {
			lines = append(lines, "a=ice-pwd:"+pwd)
		}
		if fp := transport.SelectElement("fingerprint"); fp != nil {
			lines = append(lines, "a=fingerprint:"+fp.SelectAttrValue("hash", "sha-256")+" "+fp.Text())
			if setup := fp.SelectAttrValue("setup", ""); setup != "" {
				lines = append(lines, "a=setup:"+setup)
			}
		}
		for _, cand := range transport.SelectElements("candidate") {
			if ln, ok := CandidateLine(cand); ok {
				lines = append(lines, ln)
			}
		}
	}

	lines = append(lines, "a="+directionFor(senders), "a=mid:"+name)

	for _, pt := range payloads {
		lines = append(lines, payloadLines(pt)...)
	}
	for _, ext := range desc.SelectElements("rtp-hdrext") {
		lines = append(lines, "a=extmap:"+ext.SelectAttrValue("id", "")+" "+ext.SelectAttrValue("uri", ""))
	}
	lines = append(lines, SourceLines(desc)...)

	return strings.Join(lines, "\r\n") + "\r\n", name
}

func payloadLines(pt *etree.Element) []string {
	id := pt.SelectAttrValue("id", "")
	rtpmap := "a=rtpmap:" + id + " " + pt.SelectAttrValue("name", "")
	if clock := pt.SelectAttrValue("clockrate", ""); clock != "" {
		rtpmap += "/" + clock
		if ch := pt.SelectAttrValue("channels", ""); ch != "" && ch != "1" {
			rtpmap += "/" + ch
		}
	}
	lines := []string{rtpmap}

	var params []string
	for _, p := range pt.SelectElements("parameter") {
		k := p.SelectAttrValue("name", "")
		v := p.SelectAttrValue("value", "")
		if k == "" {
			params = append(params, v)
		} else {
			params = append(params, k+"="+v)
		}
	}
	if len(params) > 0 {
		lines = append(lines, "a=fmtp:"+id+" "+strings.Join(params, ";"))
	}
	for _, fb := range pt.SelectElements("rtcp-fb") {
		ln := "a=rtcp-fb:" + id + " " + fb.SelectAttrValue("type", "")
		if sub := fb.SelectAttrValue("subtype", ""); sub != "" {
			ln += " " + sub
		}
		lines = append(lines, ln)
	}
	return lines
}

// SourceLines renders <source>/<ssrc-group> children as a=ssrc lines,
// skipping sources that carry no msid parameter, mirroring the emit side.
func SourceLines(desc *etree.Element) []string {
	var lines []string
	for _, g := range desc.SelectElements("ssrc-group") {
		var ids []string
		for _, s := range g.SelectElements("source") {
			ids = append(ids, s.SelectAttrValue("ssrc", ""))
		}
		lines = append(lines, "a=ssrc-group:"+g.SelectAttrValue("semantics", "")+" "+strings.Join(ids, " "))
	}
	for _, src := range desc.SelectElements("source") {
		ssrc := src.SelectAttrValue("ssrc", "")
		hasMsid := false
		for _, p := range src.SelectElements("parameter") {
			if p.SelectAttrValue("name", "") == "msid" {
				hasMsid = true
			}
		}
		if !hasMsid {
			continue
		}
		for _, p := range src.SelectElements("parameter") {
			lines = append(lines, "a=ssrc:"+ssrc+" "+p.SelectAttrValue("name", "")+":"+p.SelectAttrValue("value", ""))
		}
	}
	return lines
}

// CandidateLine renders one XEP-0176 candidate element back into SDP form.
func CandidateLine(cand *etree.Element) (string, bool) {
	foundation := cand.SelectAttrValue("foundation", "")
	if foundation == "" {
		return "", false
	}
	ln := "a=candidate:" + foundation +
		" " + cand.SelectAttrValue("component", "1") +
		" " + cand.SelectAttrValue("protocol", "udp") +
		" " + cand.SelectAttrValue("priority", "0") +
		" " + cand.SelectAttrValue("ip", "") +
		" " + cand.SelectAttrValue("port", "") +
		" typ " + cand.SelectAttrValue("type", "host")
	if ra := cand.SelectAttrValue("rel-addr", ""); ra != "" {
		ln += " raddr " + ra
	}
	if rp := cand.SelectAttrValue("rel-port", ""); rp != "" {
		ln += " rport " + rp
	}
	ln += " generation " + cand.SelectAttrValue("generation", "0")
	return ln, true
}

func directionFor(senders string) string {
	switch senders {
	case "initiator":
		return "sendonly"
	case "responder":
		return "recvonly"
	case "none":
		return "inactive"
	}
	return "sendrecv"
}
