package epg

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// xmlChannel represents a channel element in an XMLTV document.
type xmlChannel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         xmlIcon  `xml:"icon"`
}

// xmlIcon represents a channel or programme icon.
type xmlIcon struct {
	Src string `xml:"src,attr"`
}

// xmlProgramme represents the body of a programme element.
type xmlProgramme struct {
	Titles       []string `xml:"title"`
	Descriptions []string `xml:"desc"`
	Categories   []string `xml:"category"`
	Icon         xmlIcon  `xml:"icon"`
}

// DecoderParser streams the document through encoding/xml. It is slower than
// ScanParser but follows the XML grammar, including comments and CDATA.
type DecoderParser struct {
	opts ParseOptions
}

// NewDecoderParser creates an encoding/xml backed parser.
func NewDecoderParser(opts ParseOptions) *DecoderParser {
	return &DecoderParser{opts: opts}
}

// Name returns the backend name.
func (p *DecoderParser) Name() string { return BackendXML }

// Parse implements Parser.
func (p *DecoderParser) Parse(text string, window Window) ([]Channel, error) {
	if !looksLikeXMLTV(text) {
		return nil, ErrNotXMLTV
	}

	dec := xml.NewDecoder(strings.NewReader(text))
	dec.Strict = false
	// Text has already been decoded to UTF-8 regardless of the declared charset.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	b := newGuideBuilder(window, p.opts)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to parse EPG XML: %w", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "channel":
			var ch xmlChannel
			if err := dec.DecodeElement(&ch, &se); err != nil {
				return nil, fmt.Errorf("failed to decode channel: %w", err)
			}

			b.addChannel(ch.ID, first(ch.DisplayNames), strings.TrimSpace(ch.Icon.Src))
		case "programme":
			if err := p.decodeProgramme(dec, &se, b); err != nil {
				return nil, err
			}
		}
	}

	return b.result(), nil
}

func (p *DecoderParser) decodeProgramme(dec *xml.Decoder, se *xml.StartElement, b *guideBuilder) error {
	var channel, start, stop string

	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "channel":
			channel = attr.Value
		case "start":
			start = attr.Value
		case "stop":
			stop = attr.Value
		}
	}

	idx, startAt, stopAt, ok := b.admit(channel, start, stop)
	if !ok {
		if err := dec.Skip(); err != nil {
			return fmt.Errorf("failed to skip programme: %w", err)
		}

		return nil
	}

	var prog xmlProgramme
	if err := dec.DecodeElement(&prog, se); err != nil {
		return fmt.Errorf("failed to decode programme: %w", err)
	}

	b.addProgram(idx, Program{
		Title:       first(prog.Titles),
		Description: first(prog.Descriptions),
		Start:       startAt,
		Stop:        stopAt,
		Category:    first(prog.Categories),
		Icon:        strings.TrimSpace(prog.Icon.Src),
	})

	return nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}

	return strings.TrimSpace(values[0])
}
