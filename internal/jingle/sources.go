package jingle

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/dkeye/rtcsig/internal/sdp"
)

// ToSourceJingle renders a diff delta as the payload of a source-add or
// source-remove action: contents carrying only source and ssrc-group
// children. added selects which side of each section delta is emitted.
func ToSourceJingle(d *sdp.Description, delta sdp.Delta, added bool) *etree.Element {
	jin := etree.NewElement("jingle")
	jin.CreateAttr("xmlns", NSJingle)
	for _, sec := range delta.Sections {
		src := sec.Removed
		if added {
			src = sec.Added
		}
		if len(src.Order) == 0 && len(src.Groups) == 0 {
			continue
		}
		content := jin.CreateElement("content")
		content.CreateAttr("creator", "initiator")
		name := sec.Mid
		if name == "" {
			name = d.MediaKind(sec.Index)
		}
		content.CreateAttr("name", name)
		desc := content.CreateElement("description")
		desc.CreateAttr("xmlns", NSRTP)
		desc.CreateAttr("media", d.MediaKind(sec.Index))
		appendSourceElements(desc, src)
	}
	return jin
}

// RemoteSources is the parsed source payload of one inbound content.
type RemoteSources struct {
	Name    string
	Media   string
	Lines   []string
	Owners  map[string]string
	Streams map[string]string // ssrc -> msid stream identifier
}

// ParseSources extracts per-content ssrc lines and ssrc owners from an
// inbound jingle element (session-initiate or source-add/remove payload).
func ParseSources(jin *etree.Element) []RemoteSources {
	var out []RemoteSources
	for _, content := range jin.SelectElements("content") {
		desc := content.SelectElement("description")
		if desc == nil {
			continue
		}
		rs := RemoteSources{
			Name:    content.SelectAttrValue("name", ""),
			Media:   desc.SelectAttrValue("media", ""),
			Owners:  make(map[string]string),
			Streams: make(map[string]string),
		}
		rs.Lines = SourceLines(desc)
		for _, src := range desc.SelectElements("source") {
			ssrc := src.SelectAttrValue("ssrc", "")
			if info := src.SelectElement("ssrc-info"); info != nil {
				if owner := info.SelectAttrValue("owner", ""); owner != "" {
					rs.Owners[ssrc] = owner
				}
			}
			for _, p := range src.SelectElements("parameter") {
				if p.SelectAttrValue("name", "") != "msid" {
					continue
				}
				// The stream identifier is the first msid token.
				if fields := strings.Fields(p.SelectAttrValue("value", "")); len(fields) > 0 {
					rs.Streams[ssrc] = fields[0]
				}
			}
		}
		out = append(out, rs)
	}
	return out
}
