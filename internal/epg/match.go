package epg

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Strategy names the rule that joined a live channel to a guide channel.
type Strategy string

// Matching strategies in the order they are tried.
const (
	StrategyNone       Strategy = ""
	StrategyTVGID      Strategy = "tvg-id"
	StrategyID         Strategy = "id"
	StrategyName       Strategy = "name"
	StrategyNormalized Strategy = "normalized"
	StrategyPartial    Strategy = "partial"
	StrategyWord       Strategy = "word"
)

// Strategies lists every matching strategy by priority.
var Strategies = []Strategy{
	StrategyTVGID,
	StrategyID,
	StrategyName,
	StrategyNormalized,
	StrategyPartial,
	StrategyWord,
}

// Guide is the guide for one live channel. It carries the live channel's id,
// name and logo; Programs are empty when nothing matched.
type Guide struct {
	Channel

	// EPGID is the id of the matched guide channel.
	EPGID string `json:"epgId,omitempty"`
	// Strategy is the rule that produced the match, empty for no match.
	Strategy Strategy `json:"strategy,omitempty"`
}

// HasPrograms reports whether any guide data was found.
func (g Guide) HasPrograms() bool {
	return len(g.Programs) > 0
}

// Matcher joins live channels against parsed guide channels.
//
// The partial and word strategies scan every guide channel for each live
// channel that is still unmatched, so the worst case is O(n*m). Guide
// documents are scoped per country and hold hundreds of channels.
type Matcher struct {
	log logrus.FieldLogger
}

// NewMatcher creates a channel matcher.
func NewMatcher(log logrus.FieldLogger) *Matcher {
	return &Matcher{log: log.WithField("component", "matcher")}
}

// candidate caches the derived keys of a guide channel.
type candidate struct {
	channel    *Channel
	normalized string
	firstWord  string
}

// guideIndex holds lookup tables over guide channels. The first channel to
// claim a key keeps it.
type guideIndex struct {
	byLowerID  map[string]int
	byExactID  map[string]int
	byName     map[string]int
	byNormName map[string]int
	candidates []candidate
}

func newGuideIndex(channels []Channel) *guideIndex {
	idx := &guideIndex{
		byLowerID:  make(map[string]int, len(channels)),
		byExactID:  make(map[string]int, len(channels)),
		byName:     make(map[string]int, len(channels)),
		byNormName: make(map[string]int, len(channels)),
		candidates: make([]candidate, len(channels)),
	}

	for i := range channels {
		ch := &channels[i]
		normalized := NormalizeName(ch.DisplayName)

		var firstWord string
		if words := significantWords(ch.DisplayName); len(words) > 0 {
			firstWord = words[0]
		}

		idx.candidates[i] = candidate{channel: ch, normalized: normalized, firstWord: firstWord}

		putFirst(idx.byLowerID, strings.ToLower(ch.ID), i)
		putFirst(idx.byExactID, ch.ID, i)
		putFirst(idx.byName, strings.ToLower(ch.DisplayName), i)
		putFirst(idx.byNormName, normalized, i)
	}

	return idx
}

func putFirst(m map[string]int, key string, i int) {
	if key == "" {
		return
	}

	if _, exists := m[key]; !exists {
		m[key] = i
	}
}

// Match returns exactly one Guide per live channel, in input order.
func (m *Matcher) Match(channels []LiveChannel, guide []Channel) []Guide {
	results := make([]Guide, 0, len(channels))
	idx := newGuideIndex(guide)

	for _, ch := range channels {
		src, strategy := idx.find(ch)
		result := bind(ch, src, strategy)

		if src != nil {
			m.log.WithFields(logrus.Fields{
				"channel":  ch.Name,
				"epgID":    src.ID,
				"strategy": strategy,
			}).Debug("Matched channel")
		} else {
			m.log.WithField("channel", ch.Name).Debug("No guide data for channel")
		}

		results = append(results, result)
	}

	return results
}

func (idx *guideIndex) lookup(m map[string]int, key string) *Channel {
	if key == "" {
		return nil
	}

	if i, ok := m[key]; ok {
		return idx.candidates[i].channel
	}

	return nil
}

// find runs the strategy cascade; the first success wins.
func (idx *guideIndex) find(ch LiveChannel) (*Channel, Strategy) {
	if src := idx.lookup(idx.byLowerID, strings.ToLower(strings.TrimSpace(ch.TVGID))); src != nil {
		return src, StrategyTVGID
	}

	if src := idx.lookup(idx.byExactID, ch.ID); src != nil {
		return src, StrategyID
	}

	if src := idx.lookup(idx.byName, strings.ToLower(ch.Name)); src != nil {
		return src, StrategyName
	}

	normalized := NormalizeName(ch.Name)
	if isSignificant(normalized) {
		if src := idx.lookup(idx.byNormName, normalized); src != nil {
			return src, StrategyNormalized
		}
	}

	if normalized != "" {
		for _, c := range idx.candidates {
			if !isSignificant(c.normalized) {
				continue
			}

			if strings.HasPrefix(normalized, c.normalized) || strings.HasPrefix(c.normalized, normalized) {
				return c.channel, StrategyPartial
			}
		}
	}

	if words := significantWords(ch.Name); len(words) > 0 {
		for _, c := range idx.candidates {
			if c.firstWord != "" && c.firstWord == words[0] {
				return c.channel, StrategyWord
			}
		}
	}

	return nil, StrategyNone
}

// bind builds the Guide for ch from src, rewriting programme ownership to
// the live channel id.
func bind(ch LiveChannel, src *Channel, strategy Strategy) Guide {
	g := Guide{
		Channel: Channel{
			ID:          ch.ID,
			DisplayName: ch.Name,
			Icon:        ch.Logo,
			Programs:    []Program{},
		},
	}

	if src == nil {
		return g
	}

	if g.Icon == "" {
		g.Icon = src.Icon
	}

	g.EPGID = src.ID
	g.Strategy = strategy
	g.Programs = make([]Program, len(src.Programs))

	for i, p := range src.Programs {
		p.ChannelID = ch.ID
		g.Programs[i] = p
	}

	return g
}

// Summary counts match results per strategy. Misses are counted under
// StrategyNone.
type Summary map[Strategy]int

// Summarize tallies results by strategy.
func Summarize(results []Guide) Summary {
	s := make(Summary, len(Strategies)+1)

	for _, r := range results {
		s[r.Strategy]++
	}

	return s
}

// Matched returns the number of results that found a guide channel.
func (s Summary) Matched() int {
	total := 0

	for strategy, n := range s {
		if strategy != StrategyNone {
			total += n
		}
	}

	return total
}
