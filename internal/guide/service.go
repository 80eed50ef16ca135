// Package guide coordinates fetching, caching and matching of guide data for
// a live channel list.
package guide

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/savid/iptvguide/internal/cache"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultConcurrency is how many country sources are fetched at once.
	DefaultConcurrency = 4
)

// Source downloads the raw guide document for a country.
type Source interface {
	FetchSource(ctx context.Context, country string) ([]byte, error)
}

// ProgressFunc receives coarse progress messages. It may be nil.
type ProgressFunc func(message string)

// Service is the guide orchestrator. It is safe for concurrent use.
type Service struct {
	log         logrus.FieldLogger
	source      Source
	parser      epg.Parser
	matcher     *epg.Matcher
	cache       *cache.Cache
	metrics     *metrics.Metrics
	now         func() time.Time
	ttl         time.Duration
	ahead       time.Duration
	concurrency int

	group   singleflight.Group
	session session
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the persistent cache.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithMetrics records service activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTTL sets how long loaded guide data is served from memory.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithHoursAhead sets how far past now programmes are retained.
func WithHoursAhead(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ahead = d
		}
	}
}

// WithConcurrency bounds parallel country fetches.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a guide service reading documents from source.
func New(log logrus.FieldLogger, source Source, parser epg.Parser, opts ...Option) *Service {
	s := &Service{
		log:         log.WithField("component", "guide"),
		source:      source,
		parser:      parser,
		matcher:     epg.NewMatcher(log),
		now:         time.Now,
		ttl:         cache.DefaultTTL,
		ahead:       epg.DefaultRetention,
		concurrency: DefaultConcurrency,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// loadResult is the outcome of one shared load.
type loadResult struct {
	channels []epg.Channel
	loadedAt time.Time
}

// FetchGuide returns one Guide per live channel, in order. It never fails:
// sources that cannot be loaded contribute nothing, and channels without
// guide data get empty programmes.
//
// Concurrent calls for the same country set share a single load. A caller
// whose ctx ends while waiting gets empty results; the load itself keeps
// running for the other callers.
func (s *Service) FetchGuide(ctx context.Context, channels []epg.LiveChannel, countries []string, progress ProgressFunc) []epg.Guide {
	progress = serialize(progress)
	key := cache.CountrySet(countries)
	fp := fingerprint(channels)

	s.session.mu.Lock()
	s.session.remember(channels, countries)

	if key == "" {
		s.session.mu.Unlock()
		s.log.Debug("No countries requested")

		return s.matcher.Match(channels, nil)
	}

	if s.session.fresh(key, s.now(), s.ttl) {
		defer s.session.mu.Unlock()

		if s.session.sameChannels(len(channels), fp) {
			s.metrics.ObserveRequest(metrics.PathMemory)
			progress("Using cached guide")

			return slices.Clone(s.session.results)
		}

		s.metrics.ObserveRequest(metrics.PathRematch)
		progress("Matching channels")

		return s.match(channels, s.session.raw, fp)
	}

	gen := s.session.generation
	s.session.mu.Unlock()

	var leader bool

	// A ClearCache bumps the generation, so later calls start a new flight
	// instead of joining one that began before the clear.
	flightKey := fmt.Sprintf("%s#%d", key, gen)

	ch := s.group.DoChan(flightKey, func() (any, error) {
		leader = true

		loaded := s.load(context.WithoutCancel(ctx), strings.Split(key, "_"), gen, progress)
		if len(loaded.channels) > 0 {
			s.session.mu.Lock()
			if s.session.generation == gen {
				s.session.setRaw(key, loaded.channels, loaded.loadedAt)
			}
			s.session.mu.Unlock()
		}

		return loaded, nil
	})

	var res singleflight.Result

	select {
	case res = <-ch:
	case <-ctx.Done():
		s.log.WithError(ctx.Err()).Debug("Caller gave up waiting for guide load")

		return s.matcher.Match(channels, nil)
	}

	if leader {
		s.metrics.ObserveRequest(metrics.PathFetch)
	} else {
		s.metrics.ObserveRequest(metrics.PathShared)
	}

	loaded := res.Val.(*loadResult)

	if len(loaded.channels) == 0 {
		s.log.WithField("countries", key).Warn("No guide data available for any country")

		return s.matcher.Match(channels, nil)
	}

	progress("Matching channels")

	s.session.mu.Lock()
	defer s.session.mu.Unlock()

	if s.session.generation != gen {
		// Cleared while loading: answer the caller without restoring state.
		return s.matcher.Match(channels, loaded.channels)
	}

	return s.match(channels, loaded.channels, fp)
}

// match runs the matcher and stores the snapshot. Callers hold session.mu.
func (s *Service) match(channels []epg.LiveChannel, raw []epg.Channel, fp uint64) []epg.Guide {
	results := s.matcher.Match(channels, raw)
	summary := epg.Summarize(results)

	s.session.setResults(results, fp)
	s.metrics.ObserveMatches(summary)

	s.log.WithFields(logrus.Fields{
		"channels": len(results),
		"matched":  summary.Matched(),
	}).Info("Matched channels against guide")

	return results
}

// load reads the country set from the persistent cache or, on a miss, from
// every source. Fetched data is persisted only while gen is still current.
func (s *Service) load(ctx context.Context, countries []string, gen uint64, progress ProgressFunc) *loadResult {
	if s.cache != nil {
		if entry, ok := s.cache.Load(ctx, countries); ok {
			progress("Loaded guide from cache")

			return &loadResult{channels: entry.Data, loadedAt: entry.SavedAt()}
		}
	}

	combined := s.loadSources(ctx, countries, progress)
	loadedAt := s.now()

	if len(combined) > 0 && s.cache != nil && s.session.current(gen) {
		s.cache.Save(ctx, countries, combined)
	}

	return &loadResult{channels: combined, loadedAt: loadedAt}
}

// loadSources fetches and parses every country. All countries finish before
// it returns; their channels are concatenated in request order.
func (s *Service) loadSources(ctx context.Context, countries []string, progress ProgressFunc) []epg.Channel {
	perCountry := make([][]epg.Channel, len(countries))

	var g errgroup.Group

	g.SetLimit(s.concurrency)

	for i, country := range countries {
		g.Go(func() error {
			perCountry[i] = s.loadCountry(ctx, country, progress)

			return nil
		})
	}

	_ = g.Wait()

	total := 0
	for _, chs := range perCountry {
		total += len(chs)
	}

	combined := make([]epg.Channel, 0, total)
	for _, chs := range perCountry {
		combined = append(combined, chs...)
	}

	return combined
}

// loadCountry runs fetch, decompression and parsing for one country. Any
// failure is logged and yields no channels.
func (s *Service) loadCountry(ctx context.Context, country string, progress ProgressFunc) []epg.Channel {
	log := s.log.WithField("country", country)

	progress(fmt.Sprintf("Fetching %s guide", country))

	raw, err := s.source.FetchSource(ctx, country)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch guide source")
		progress(fmt.Sprintf("Failed to fetch %s guide", country))
		s.metrics.ObserveFetch(country, metrics.OutcomeError, 0)

		return nil
	}

	progress(fmt.Sprintf("Decompressing %s guide", country))

	started := time.Now()
	text, layers := epg.DecodePayload(raw)

	progress(fmt.Sprintf("Parsing %s guide", country))

	channels, err := epg.SafeParse(s.log, s.parser, text, epg.NewWindow(s.now(), s.ahead))
	s.metrics.ObserveParse(s.parser.Name(), time.Since(started))

	if err != nil {
		log.WithError(err).WithField("size", len(raw)).Warn("Failed to parse guide source")
		s.metrics.ObserveFetch(country, metrics.OutcomeError, len(raw))

		return nil
	}

	if len(channels) == 0 {
		log.Warn("Guide source has no channels")
		s.metrics.ObserveFetch(country, metrics.OutcomeEmpty, len(raw))

		return nil
	}

	programmes := 0
	for _, ch := range channels {
		programmes += len(ch.Programs)
	}

	log.WithFields(logrus.Fields{
		"size":       len(raw),
		"layers":     layers,
		"channels":   len(channels),
		"programmes": programmes,
	}).Info("Loaded guide source")
	s.metrics.ObserveFetch(country, metrics.OutcomeOK, len(raw))

	return channels
}

// serialize makes fn safe to call from the per-country workers.
func serialize(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(string) {}
	}

	var mu sync.Mutex

	return func(msg string) {
		mu.Lock()
		defer mu.Unlock()

		fn(msg)
	}
}
