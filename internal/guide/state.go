package guide

import (
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/savid/iptvguide/internal/epg"
)

// request is the last FetchGuide call, replayed by Refresh.
type request struct {
	channels  []epg.LiveChannel
	countries []string
}

// session holds the in-memory guide state shared by every caller.
type session struct {
	mu sync.RWMutex

	// raw is the combined parsed guide for countryKey.
	raw        []epg.Channel
	countryKey string
	lastFetch  time.Time

	// results is the last matched snapshot.
	results      []epg.Guide
	channelCount int
	fingerprint  uint64

	last *request

	// generation is bumped by reset so loads started earlier can tell.
	generation uint64
}

// fresh reports whether raw data for key is loaded and younger than ttl.
// Callers hold mu.
func (s *session) fresh(key string, now time.Time, ttl time.Duration) bool {
	return len(s.raw) > 0 && s.countryKey == key && now.Sub(s.lastFetch) <= ttl
}

// sameChannels reports whether the snapshot was matched against an
// equivalent channel list. Callers hold mu.
func (s *session) sameChannels(count int, fp uint64) bool {
	return s.results != nil && s.channelCount == count && s.fingerprint == fp
}

// setRaw replaces the parsed guide. Callers hold mu.
func (s *session) setRaw(key string, raw []epg.Channel, fetchedAt time.Time) {
	s.raw = raw
	s.countryKey = key
	s.lastFetch = fetchedAt
}

// setResults stores a matched snapshot. Callers hold mu.
func (s *session) setResults(results []epg.Guide, fp uint64) {
	s.results = results
	s.channelCount = len(results)
	s.fingerprint = fp
}

// remember records the request for Refresh. Callers hold mu.
func (s *session) remember(channels []epg.LiveChannel, countries []string) {
	s.last = &request{
		channels:  slices.Clone(channels),
		countries: slices.Clone(countries),
	}
}

// reset drops everything but the last request. Callers hold mu.
func (s *session) reset() {
	s.raw = nil
	s.countryKey = ""
	s.lastFetch = time.Time{}
	s.results = nil
	s.channelCount = 0
	s.fingerprint = 0
	s.generation++
}

// current reports whether no reset happened since gen was read.
func (s *session) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.generation == gen
}

func (s *session) snapshot() []epg.Guide {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.results
}

func (s *session) lastRequest() (*request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.last, s.last != nil
}

// fingerprint hashes the identity fields of a channel list so a same-length
// list with different channels is detected.
func fingerprint(channels []epg.LiveChannel) uint64 {
	d := xxhash.New()

	for _, ch := range channels {
		_, _ = d.WriteString(ch.ID)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(ch.Name)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(ch.TVGID)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(ch.Logo)
		_, _ = d.WriteString("\x01")
	}

	return d.Sum64()
}
