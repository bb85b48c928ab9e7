package jingle

import (
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsig/internal/sdp"
)

func sampleSDP() string {
	return strings.Join([]string{
		"v=0",
		"o=- 123 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111 0",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:abcd",
		"a=ice-pwd:efgh1234",
		"a=fingerprint:sha-256 AA:BB:CC",
		"a=setup:actpass",
		"a=candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host generation 0",
		"a=sendrecv",
		"a=mid:audio",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1",
		"a=rtpmap:0 PCMU/8000",
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		"a=ssrc:1111 cname:user1",
		"a=ssrc:1111 msid:stream atrack",
		"m=video 9 UDP/TLS/RTP/SAVPF 100",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:abcd",
		"a=ice-pwd:efgh1234",
		"a=fingerprint:sha-256 AA:BB:CC",
		"a=sendrecv",
		"a=mid:video",
		"a=rtpmap:100 VP8/90000",
		"a=rtcp-fb:100 nack pli",
		"a=ssrc-group:FID 2222 3333",
		"a=ssrc:2222 cname:user1",
		"a=ssrc:2222 msid:stream vtrack",
		"a=ssrc:3333 cname:user1",
		"a=ssrc:3333 msid:stream vtrack",
		"",
	}, "\r\n")
}

func TestToJingleShape(t *testing.T) {
	d := sdp.Parse(sampleSDP())
	jin := ToJingle(d, RoleInitiator)

	contents := jin.SelectElements("content")
	require.Len(t, contents, 2)

	audio := contents[0]
	assert.Equal(t, "audio", audio.SelectAttrValue("name", ""))
	assert.Equal(t, "both", audio.SelectAttrValue("senders", ""))

	desc := audio.SelectElement("description")
	require.NotNil(t, desc)
	assert.Equal(t, "audio", desc.SelectAttrValue("media", ""))
	assert.Equal(t, "1111", desc.SelectAttrValue("ssrc", ""))

	payloads := desc.SelectElements("payload-type")
	require.Len(t, payloads, 2)
	opus := payloads[0]
	assert.Equal(t, "111", opus.SelectAttrValue("id", ""))
	assert.Equal(t, "opus", opus.SelectAttrValue("name", ""))
	assert.Equal(t, "48000", opus.SelectAttrValue("clockrate", ""))
	assert.Equal(t, "2", opus.SelectAttrValue("channels", ""))
	require.Len(t, opus.SelectElements("parameter"), 2)

	tr := audio.SelectElement("transport")
	require.NotNil(t, tr)
	assert.Equal(t, "abcd", tr.SelectAttrValue("ufrag", ""))
	assert.Equal(t, "efgh1234", tr.SelectAttrValue("pwd", ""))
	fp := tr.SelectElement("fingerprint")
	require.NotNil(t, fp)
	assert.Equal(t, "sha-256", fp.SelectAttrValue("hash", ""))
	assert.Equal(t, "AA:BB:CC", fp.Text())
	require.Len(t, tr.SelectElements("candidate"), 1)

	video := contents[1]
	vdesc := video.SelectElement("description")
	fbs := vdesc.FindElements("payload-type/rtcp-fb")
	require.Len(t, fbs, 1)
	assert.Equal(t, "nack", fbs[0].SelectAttrValue("type", ""))
	assert.Equal(t, "pli", fbs[0].SelectAttrValue("subtype", ""))

	groups := vdesc.SelectElements("ssrc-group")
	require.Len(t, groups, 1)
	assert.Equal(t, "FID", groups[0].SelectAttrValue("semantics", ""))
}

// Round-trip: SSRC sets, payload ids and ICE parameters survive
// toJingle -> fromJingle -> toJingle unchanged.
func TestRoundTrip(t *testing.T) {
	d := sdp.Parse(sampleSDP())
	once := ToJingle(d, RoleInitiator)
	back := FromJingle(once)
	twice := ToJingle(back, RoleInitiator)

	assert.Equal(t, ssrcSet(d), ssrcSet(back))
	assert.Equal(t, payloadIDset(once), payloadIDset(twice))
	assert.Equal(t, iceParams(once), iceParams(twice))
	assert.Equal(t, sourceSSRCs(once), sourceSSRCs(twice))
}

func ssrcSet(d *sdp.Description) map[uint32]bool {
	out := make(map[uint32]bool)
	for _, ms := range d.Sources() {
		for _, ssrc := range ms.Order {
			out[ssrc] = true
		}
	}
	return out
}

func payloadIDset(jin *etree.Element) map[string]bool {
	out := make(map[string]bool)
	for _, pt := range jin.FindElements("content/description/payload-type") {
		out[pt.SelectAttrValue("id", "")] = true
	}
	return out
}

func iceParams(jin *etree.Element) map[string]string {
	out := make(map[string]string)
	for _, tr := range jin.FindElements("content/transport") {
		out[tr.SelectAttrValue("ufrag", "")] = tr.SelectAttrValue("pwd", "")
	}
	return out
}

func sourceSSRCs(jin *etree.Element) map[string]bool {
	out := make(map[string]bool)
	for _, src := range jin.FindElements("content/description/source") {
		out[src.SelectAttrValue("ssrc", "")] = true
	}
	return out
}

func TestNoSourceChildWithoutSSRCLines(t *testing.T) {
	raw := strings.Join([]string{
		"v=0", "o=- 1 1 IN IP4 0.0.0.0", "s=-", "t=0 0",
		"m=audio 9 RTP/AVPF 111",
		"a=mid:audio",
		"a=rtpmap:111 opus/48000/2",
		"",
	}, "\r\n")
	jin := ToJingle(sdp.Parse(raw), RoleInitiator)
	desc := jin.FindElement("content/description")
	require.NotNil(t, desc)
	assert.Empty(t, desc.SelectAttrValue("ssrc", ""))
	assert.Empty(t, desc.SelectElements("source"))
}

func TestSourceWithoutMsidSkipped(t *testing.T) {
	raw := strings.Join([]string{
		"v=0", "o=- 1 1 IN IP4 0.0.0.0", "s=-", "t=0 0",
		"m=audio 9 RTP/AVPF 111",
		"a=mid:audio",
		"a=rtpmap:111 opus/48000/2",
		"a=ssrc:42 cname:orphan",
		"",
	}, "\r\n")
	jin := ToJingle(sdp.Parse(raw), RoleInitiator)
	assert.Empty(t, jin.FindElements("content/description/source"))
}

func TestRejectedContentGetsZeroPort(t *testing.T) {
	jin := etree.NewElement("jingle")
	content := jin.CreateElement("content")
	content.CreateAttr("name", "data")
	content.CreateAttr("senders", "rejected")
	desc := content.CreateElement("description")
	desc.CreateAttr("media", "application")

	d := FromJingle(jin)
	require.Len(t, d.Media, 1)
	assert.True(t, strings.HasPrefix(d.Media[0], "m=application 0 "))
}

func TestSendersMapping(t *testing.T) {
	cases := []struct {
		direction string
		role      Role
		want      string
	}{
		{"sendrecv", RoleInitiator, "both"},
		{"sendonly", RoleInitiator, "initiator"},
		{"recvonly", RoleInitiator, "responder"},
		{"inactive", RoleInitiator, "none"},
		{"sendonly", RoleResponder, "responder"},
		{"recvonly", RoleResponder, "initiator"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sendersFor(tc.direction, tc.role), "%s as %s", tc.direction, tc.role)
	}
}

func TestFromJingleRebuildsLines(t *testing.T) {
	d := FromJingle(ToJingle(sdp.Parse(sampleSDP()), RoleInitiator))
	require.Len(t, d.Media, 2)

	assert.Contains(t, d.Media[0], "a=rtpmap:111 opus/48000/2\r\n")
	assert.Contains(t, d.Media[0], "a=fmtp:111 minptime=10;useinbandfec=1\r\n")
	assert.Contains(t, d.Media[0], "a=ice-ufrag:abcd\r\n")
	assert.Contains(t, d.Media[0], "a=mid:audio\r\n")
	assert.Contains(t, d.Media[0], "a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n")
	assert.Contains(t, d.Media[1], "a=rtcp-fb:100 nack pli\r\n")
	assert.Contains(t, d.Media[1], "a=ssrc-group:FID 2222 3333\r\n")
	assert.Contains(t, d.Session, "a=group:BUNDLE audio video\r\n")
}

func TestSourceDeltaPayload(t *testing.T) {
	old := sdp.Parse(sampleSDP())
	next := old.Clone()
	next.AddLines(1, "a=ssrc:5555 cname:user1", "a=ssrc:5555 msid:stream vtrack2")

	delta := sdp.Diff(old, next)
	jin := ToSourceJingle(next, delta, true)
	contents := jin.SelectElements("content")
	require.Len(t, contents, 1)
	assert.Equal(t, "video", contents[0].SelectAttrValue("name", ""))
	srcs := contents[0].FindElements("description/source")
	require.Len(t, srcs, 1)
	assert.Equal(t, "5555", srcs[0].SelectAttrValue("ssrc", ""))

	parsed := ParseSources(jin)
	require.Len(t, parsed, 1)
	assert.Equal(t, "video", parsed[0].Name)
	assert.Contains(t, parsed[0].Lines, "a=ssrc:5555 cname:user1")
	assert.Contains(t, parsed[0].Lines, "a=ssrc:5555 msid:stream vtrack2")
}

func TestCandidateRoundTrip(t *testing.T) {
	line := "a=candidate:1 1 udp 2130706431 192.0.2.1 54321 typ srflx raddr 10.0.0.1 rport 9 generation 2"
	el := CandidateElement(line)
	require.NotNil(t, el)
	got, ok := CandidateLine(el)
	require.True(t, ok)
	assert.Equal(t, line, got)
}
