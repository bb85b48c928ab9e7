package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioOnly(ssrcLines ...string) string {
	head := []string{
		"v=0",
		"o=- 1 1 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"a=mid:audio",
		"a=rtpmap:111 opus/48000/2",
	}
	return strings.Join(append(head, append(ssrcLines, "")...), "\r\n")
}

func TestDiffIdempotence(t *testing.T) {
	d := Parse(sampleSDP())
	delta := Diff(d, d)
	assert.True(t, delta.Empty())
}

func TestDiffAddition(t *testing.T) {
	old := Parse(audioOnly("a=ssrc:111 cname:u", "a=ssrc:111 msid:s t"))
	next := Parse(audioOnly(
		"a=ssrc:111 cname:u", "a=ssrc:111 msid:s t",
		"a=ssrc:222 cname:u", "a=ssrc:222 msid:s t2",
	))

	delta := Diff(old, next)
	require.Len(t, delta.Sections, 1)
	sec := delta.Sections[0]
	assert.Equal(t, []uint32{222}, sec.Added.Order)
	assert.Empty(t, sec.Removed.Order)
	assert.Len(t, sec.Added.Lines[222], 2)
}

func TestDiffRemoval(t *testing.T) {
	old := Parse(audioOnly(
		"a=ssrc:111 cname:u", "a=ssrc:111 msid:s t",
		"a=ssrc:222 cname:u", "a=ssrc:222 msid:s t2",
	))
	next := Parse(audioOnly("a=ssrc:111 cname:u", "a=ssrc:111 msid:s t"))

	delta := Diff(old, next)
	require.Len(t, delta.Sections, 1)
	sec := delta.Sections[0]
	assert.Empty(t, sec.Added.Order)
	assert.Equal(t, []uint32{222}, sec.Removed.Order)
}

func TestDiffAdditivityOnSuperset(t *testing.T) {
	d1 := Parse(sampleSDP())
	d2 := d1.Clone()
	d2.AddLines(1, "a=ssrc:5555 cname:user1", "a=ssrc:5555 msid:stream vtrack2")

	delta := Diff(d1, d2)
	var added, removed []uint32
	for _, sec := range delta.Sections {
		added = append(added, sec.Added.Order...)
		removed = append(removed, sec.Removed.Order...)
	}
	assert.Equal(t, []uint32{5555}, added)
	assert.Empty(t, removed)
}

func TestDiffGroupBySemantics(t *testing.T) {
	old := Parse(audioOnly("a=ssrc:1 cname:u", "a=ssrc:2 cname:u"))
	next := Parse(audioOnly(
		"a=ssrc-group:FID 1 2",
		"a=ssrc:1 cname:u", "a=ssrc:2 cname:u",
	))

	delta := Diff(old, next)
	require.Len(t, delta.Sections, 1)
	require.Len(t, delta.Sections[0].Added.Groups, 1)
	assert.Equal(t, "FID", delta.Sections[0].Added.Groups[0].Semantics)
	assert.Empty(t, delta.Sections[0].Removed.Groups)
}

// An SSRC that moved between media sections is not reported at all: the
// containment check is cross-media.
func TestDiffCrossMediaContainment(t *testing.T) {
	two := strings.Join([]string{
		"v=0", "o=- 1 1 IN IP4 0.0.0.0", "s=-", "t=0 0",
		"m=audio 9 RTP/AVPF 111",
		"a=mid:audio",
		"a=ssrc:777 cname:u",
		"m=video 9 RTP/AVPF 100",
		"a=mid:video",
		"",
	}, "\r\n")
	moved := strings.Join([]string{
		"v=0", "o=- 1 1 IN IP4 0.0.0.0", "s=-", "t=0 0",
		"m=audio 9 RTP/AVPF 111",
		"a=mid:audio",
		"m=video 9 RTP/AVPF 100",
		"a=mid:video",
		"a=ssrc:777 cname:u",
		"",
	}, "\r\n")

	delta := Diff(Parse(two), Parse(moved))
	assert.True(t, delta.Empty())
}
