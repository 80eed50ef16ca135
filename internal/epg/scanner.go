package epg

import (
	"regexp"
	"strings"
)

// categoryPattern is applied to a single programme block, never the whole document.
var categoryPattern = regexp.MustCompile(`<category[^>]*>([^<]*)</category>`)

// ScanParser extracts channel and programme records with cursor-based
// substring search instead of building an XML tree. It tolerates documents
// a conformant decoder would reject, and stays near-linear on very large
// inputs.
type ScanParser struct {
	opts ParseOptions
}

// NewScanParser creates a substring scanning parser.
func NewScanParser(opts ParseOptions) *ScanParser {
	return &ScanParser{opts: opts}
}

// Name returns the backend name.
func (p *ScanParser) Name() string { return BackendScan }

// Parse implements Parser.
func (p *ScanParser) Parse(text string, window Window) ([]Channel, error) {
	if !looksLikeXMLTV(text) {
		return nil, ErrNotXMLTV
	}

	b := newGuideBuilder(window, p.opts)

	scanElements(text, "channel", func(tag, body string) {
		id, _ := attrValue(tag, "id")
		name, _ := elementText(body, "display-name")
		b.addChannel(id, name, iconSrc(body))
	})

	scanElements(text, "programme", func(tag, body string) {
		channel, _ := attrValue(tag, "channel")
		start, _ := attrValue(tag, "start")
		stop, _ := attrValue(tag, "stop")

		idx, startAt, stopAt, ok := b.admit(channel, start, stop)
		if !ok {
			return
		}

		title, _ := elementText(body, "title")
		desc, _ := elementText(body, "desc")

		var category string
		if m := categoryPattern.FindStringSubmatch(body); m != nil {
			category = DecodeEntities(strings.TrimSpace(m[1]))
		}

		b.addProgram(idx, Program{
			Title:       title,
			Description: desc,
			Start:       startAt,
			Stop:        stopAt,
			Category:    category,
			Icon:        iconSrc(body),
		})
	})

	return b.result(), nil
}

// scanElements calls fn for every <name ...>...</name> element in text. tag is
// the opening tag, body the content up to the closing tag. Self-closing
// elements get an empty body.
func scanElements(text, name string, fn func(tag, body string)) {
	closing := "</" + name + ">"
	cursor := 0

	for {
		start := indexTag(text, cursor, name)
		if start < 0 {
			return
		}

		gt := strings.IndexByte(text[start:], '>')
		if gt < 0 {
			return
		}

		tagEnd := start + gt + 1
		tag := text[start:tagEnd]

		if strings.HasSuffix(tag, "/>") {
			fn(tag, "")
			cursor = tagEnd

			continue
		}

		end := strings.Index(text[tagEnd:], closing)
		if end < 0 {
			return
		}

		fn(tag, text[tagEnd:tagEnd+end])
		cursor = tagEnd + end + len(closing)
	}
}

// indexTag finds the next "<name" at or after from that is followed by a tag
// boundary, so "<channel" does not match "<channels".
func indexTag(text string, from int, name string) int {
	open := "<" + name

	for from < len(text) {
		i := strings.Index(text[from:], open)
		if i < 0 {
			return -1
		}

		pos := from + i
		next := pos + len(open)

		if next < len(text) && isTagBoundary(text[next]) {
			return pos
		}

		from = next
	}

	return -1
}

func isTagBoundary(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '>', '/':
		return true
	}

	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// attrValue returns the entity-decoded value of attribute name in tag.
func attrValue(tag, name string) (string, bool) {
	for i := 0; i < len(tag); {
		j := strings.Index(tag[i:], name)
		if j < 0 {
			return "", false
		}

		pos := i + j
		i = pos + len(name)

		if pos == 0 || !isSpace(tag[pos-1]) {
			continue
		}

		k := i
		for k < len(tag) && isSpace(tag[k]) {
			k++
		}

		if k >= len(tag) || tag[k] != '=' {
			continue
		}

		k++
		for k < len(tag) && isSpace(tag[k]) {
			k++
		}

		if k >= len(tag) || (tag[k] != '"' && tag[k] != '\'') {
			continue
		}

		quote := tag[k]

		end := strings.IndexByte(tag[k+1:], quote)
		if end < 0 {
			return "", false
		}

		return DecodeEntities(tag[k+1 : k+1+end]), true
	}

	return "", false
}

// elementText returns the trimmed, entity-decoded text of the first <name>
// element in body.
func elementText(body, name string) (string, bool) {
	start := indexTag(body, 0, name)
	if start < 0 {
		return "", false
	}

	gt := strings.IndexByte(body[start:], '>')
	if gt < 0 {
		return "", false
	}

	contentStart := start + gt + 1
	if body[contentStart-2] == '/' {
		return "", true
	}

	end := strings.Index(body[contentStart:], "</"+name+">")
	if end < 0 {
		return "", false
	}

	content := strings.TrimSpace(body[contentStart : contentStart+end])
	if strings.HasPrefix(content, "<![CDATA[") && strings.HasSuffix(content, "]]>") {
		return strings.TrimSpace(content[len("<![CDATA[") : len(content)-len("]]>")]), true
	}

	return DecodeEntities(content), true
}

func iconSrc(body string) string {
	start := indexTag(body, 0, "icon")
	if start < 0 {
		return ""
	}

	gt := strings.IndexByte(body[start:], '>')
	if gt < 0 {
		return ""
	}

	src, _ := attrValue(body[start:start+gt+1], "src")

	return strings.TrimSpace(src)
}
