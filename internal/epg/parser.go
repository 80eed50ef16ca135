package epg

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// BackendScan selects the substring scanner.
	BackendScan = "scan"
	// BackendXML selects the encoding/xml token decoder.
	BackendXML = "xml"

	unknownTitle = "Unknown Program"
)

var (
	// ErrNotXMLTV is returned when text carries neither "<tv" nor "<?xml".
	ErrNotXMLTV = errors.New("payload is not XMLTV")
	// ErrEmptyPayload is returned when a decoded payload has no content.
	ErrEmptyPayload = errors.New("payload is empty")
	// ErrParserPanic wraps a panic recovered from a parser backend.
	ErrParserPanic = errors.New("parser panicked")
)

// Parser turns decoded XMLTV text into guide channels whose programmes are
// restricted to window.
type Parser interface {
	Name() string
	Parse(text string, window Window) ([]Channel, error)
}

// ParseOptions tunes parsing behaviour shared by all backends.
type ParseOptions struct {
	// HonorTimezone applies the ±HHMM suffix of XMLTV timestamps. When false
	// every timestamp is read as UTC.
	HonorTimezone bool
}

// NewParser returns the parser backend named by backend.
func NewParser(backend string, opts ParseOptions) (Parser, error) {
	switch strings.ToLower(backend) {
	case "", BackendScan:
		return NewScanParser(opts), nil
	case BackendXML:
		return NewDecoderParser(opts), nil
	default:
		return nil, fmt.Errorf("unknown parser backend %q", backend)
	}
}

// SafeParse runs p and converts a panic inside the backend into an error.
// On any failure the returned channel list is empty.
func SafeParse(log logrus.FieldLogger, p Parser, text string, window Window) (channels []Channel, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"backend": p.Name(),
				"panic":   r,
			}).Error("XMLTV parser panicked")

			channels, err = nil, fmt.Errorf("%w: %v", ErrParserPanic, r)
		}
	}()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPayload
	}

	channels, err = p.Parse(text, window)
	if err != nil {
		return nil, err
	}

	return channels, nil
}

func looksLikeXMLTV(text string) bool {
	return strings.Contains(text, "<tv") || strings.Contains(text, "<?xml")
}

// guideBuilder accumulates channels and programmes for one document.
// Channel lookup is case-insensitive; the first definition of an id wins.
type guideBuilder struct {
	window   Window
	opts     ParseOptions
	index    map[string]int
	channels []Channel
}

func newGuideBuilder(window Window, opts ParseOptions) *guideBuilder {
	return &guideBuilder{
		window:   window,
		opts:     opts,
		index:    make(map[string]int, 256),
		channels: make([]Channel, 0, 256),
	}
}

func (b *guideBuilder) addChannel(id, displayName, icon string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	key := strings.ToLower(id)
	if _, exists := b.index[key]; exists {
		return
	}

	if displayName == "" {
		displayName = id
	}

	b.index[key] = len(b.channels)
	b.channels = append(b.channels, Channel{
		ID:          id,
		DisplayName: displayName,
		Icon:        icon,
		Programs:    make([]Program, 0, 16),
	})
}

// admit validates the opening-tag attributes of a programme. It returns the
// owning channel index and parsed times, or ok=false if the programme is
// dropped.
func (b *guideBuilder) admit(channel, start, stop string) (idx int, startAt, stopAt time.Time, ok bool) {
	if channel == "" || start == "" || stop == "" {
		return 0, time.Time{}, time.Time{}, false
	}

	startAt, err := ParseTime(start, b.opts.HonorTimezone)
	if err != nil {
		return 0, time.Time{}, time.Time{}, false
	}

	stopAt, err = ParseTime(stop, b.opts.HonorTimezone)
	if err != nil {
		return 0, time.Time{}, time.Time{}, false
	}

	if !startAt.Before(stopAt) {
		return 0, time.Time{}, time.Time{}, false
	}

	if !b.window.Retains(startAt, stopAt) {
		return 0, time.Time{}, time.Time{}, false
	}

	idx, ok = b.index[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return 0, time.Time{}, time.Time{}, false
	}

	return idx, startAt, stopAt, true
}

func (b *guideBuilder) addProgram(idx int, p Program) {
	if p.Title == "" {
		p.Title = unknownTitle
	}

	p.ChannelID = b.channels[idx].ID
	b.channels[idx].Programs = append(b.channels[idx].Programs, p)
}

func (b *guideBuilder) result() []Channel {
	for i := range b.channels {
		progs := b.channels[i].Programs
		sort.SliceStable(progs, func(a, c int) bool {
			return progs[a].Start.Before(progs[c].Start)
		})
	}

	return b.channels
}
