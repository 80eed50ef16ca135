package guide

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/savid/iptvguide/internal/cache"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/kv"
	"github.com/savid/iptvguide/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)

func newTestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: testNow} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func xmltvTime(t time.Time) string {
	return t.UTC().Format("20060102150405") + " +0000"
}

type fixtureProgramme struct {
	channel     string
	title       string
	start, stop time.Duration
}

func xmltvDocument(channels map[string]string, order []string, programmes []fixtureProgramme) string {
	var sb strings.Builder

	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<tv>\n")

	for _, id := range order {
		fmt.Fprintf(&sb, "<channel id=%q><display-name>%s</display-name></channel>\n", id, channels[id])
	}

	for _, p := range programmes {
		fmt.Fprintf(&sb, "<programme start=%q stop=%q channel=%q><title>%s</title></programme>\n",
			xmltvTime(testNow.Add(p.start)), xmltvTime(testNow.Add(p.stop)), p.channel, p.title)
	}

	sb.WriteString("</tv>\n")

	return sb.String()
}

func gzipTwice(t *testing.T, s string) []byte {
	t.Helper()

	data := []byte(s)

	for range 2 {
		var buf bytes.Buffer

		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		data = buf.Bytes()
	}

	return data
}

func gbGuide(t *testing.T) []byte {
	return gzipTwice(t, xmltvDocument(
		map[string]string{"bbc1.uk": "BBC One", "itv1.uk": "ITV1"},
		[]string{"bbc1.uk", "itv1.uk"},
		[]fixtureProgramme{
			{channel: "bbc1.uk", title: "Film", start: time.Hour, stop: 3 * time.Hour},
			{channel: "bbc1.uk", title: "News", start: -10 * time.Minute, stop: 20 * time.Minute},
			{channel: "bbc1.uk", title: "Weather", start: 20 * time.Minute, stop: 30 * time.Minute},
			{channel: "bbc1.uk", title: "Yesterday", start: -26 * time.Hour, stop: -25 * time.Hour},
			{channel: "itv1.uk", title: "Morning", start: -time.Hour, stop: time.Hour},
		},
	))
}

func usGuide(t *testing.T) []byte {
	return gzipTwice(t, xmltvDocument(
		map[string]string{"cnn.us": "CNN"},
		[]string{"cnn.us"},
		[]fixtureProgramme{{channel: "cnn.us", title: "Newsroom", start: 0, stop: time.Hour}},
	))
}

// fakeSource serves canned documents and counts fetches per country.
type fakeSource struct {
	mu    sync.Mutex
	docs  map[string][]byte
	calls map[string]int

	// gate, when set, blocks every fetch until closed.
	gate    chan struct{}
	started chan string
}

func newFakeSource(docs map[string][]byte) *fakeSource {
	return &fakeSource{docs: docs, calls: make(map[string]int)}
}

func (f *fakeSource) FetchSource(ctx context.Context, country string) ([]byte, error) {
	f.mu.Lock()
	f.calls[country]++
	doc, ok := f.docs[country]
	gate := f.gate
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- country
	}

	if gate != nil {
		<-gate
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !ok {
		return nil, errors.New("unexpected status code: 404")
	}

	return doc, nil
}

func (f *fakeSource) Calls(country string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[country]
}

func (f *fakeSource) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, n := range f.calls {
		total += n
	}

	return total
}

type harness struct {
	svc     *Service
	source  *fakeSource
	clock   *clock
	store   kv.Store
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, source *fakeSource) *harness {
	t.Helper()

	h := &harness{
		source:  source,
		clock:   newClock(),
		store:   kv.NewMemory(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.svc = h.newService()

	return h
}

// newService builds a service sharing the harness store, as after a restart.
func (h *harness) newService() *Service {
	log := newTestLogger()
	c := cache.New(log, h.store, cache.WithClock(h.clock.Now))

	return New(log, h.source, epg.NewScanParser(epg.ParseOptions{}),
		WithCache(c),
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
	)
}

func (h *harness) requests(path string) float64 {
	return testutil.ToFloat64(h.metrics.GuideRequests.WithLabelValues(path))
}

func liveChannels() []epg.LiveChannel {
	return []epg.LiveChannel{
		{ID: "live-bbc", Name: "BBC One HD", TVGID: "bbc1.uk"},
		{ID: "live-itv", Name: "ITV 1"},
	}
}

func titles(programs []epg.Program) []string {
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		out = append(out, p.Title)
	}

	return out
}

func TestFetchGuide_EndToEnd(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t)}))

	var messages []string

	results := h.svc.FetchGuide(context.Background(), liveChannels(), []string{"gb"}, func(msg string) {
		messages = append(messages, msg)
	})

	require.Len(t, results, 2)

	bbc := results[0]
	require.Equal(t, "live-bbc", bbc.ID)
	require.Equal(t, "bbc1.uk", bbc.EPGID)
	require.Equal(t, epg.StrategyTVGID, bbc.Strategy)
	require.Equal(t, []string{"News", "Weather", "Film"}, titles(bbc.Programs))

	for _, p := range bbc.Programs {
		require.Equal(t, "live-bbc", p.ChannelID)
		require.True(t, p.Start.Before(p.Stop))
	}

	itv := results[1]
	require.Equal(t, "itv1.uk", itv.EPGID)
	require.Equal(t, epg.StrategyNormalized, itv.Strategy)
	require.Equal(t, []string{"Morning"}, titles(itv.Programs))

	require.Equal(t, 1, h.source.Calls("GB"))
	require.True(t, testNow.Equal(h.svc.LastFetch()))
	require.Contains(t, messages, "Fetching GB guide")
	require.Contains(t, messages, "Parsing GB guide")
	require.Equal(t, "Matching channels", messages[len(messages)-1])
	require.InDelta(t, 1, h.requests(metrics.PathFetch), 0)
}

func TestFetchGuide_ServesFromMemory(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t)}))
	ctx := context.Background()

	first := h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)
	second := h.svc.FetchGuide(ctx, liveChannels(), []string{"gb"}, nil)

	require.Equal(t, first, second)
	require.Equal(t, 1, h.source.Total())
	require.InDelta(t, 1, h.requests(metrics.PathMemory), 0)
}

func TestFetchGuide_RematchWithoutRefetch(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t)}))
	ctx := context.Background()

	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)

	longer := append(liveChannels(), epg.LiveChannel{ID: "live-other", Name: "Other"})
	results := h.svc.FetchGuide(ctx, longer, []string{"GB"}, nil)
	require.Len(t, results, 3)
	require.Equal(t, "live-other", results[2].ID)
	require.Empty(t, results[2].Programs)

	// Same length, different identities.
	swapped := []epg.LiveChannel{
		{ID: "a", Name: "ITV1"},
		{ID: "b", Name: "bbc one"},
		{ID: "c", Name: "Nothing"},
	}
	results = h.svc.FetchGuide(ctx, swapped, []string{"GB"}, nil)
	require.Equal(t, "itv1.uk", results[0].EPGID)
	require.Equal(t, "bbc1.uk", results[1].EPGID)
	require.Equal(t, "b", results[1].Programs[0].ChannelID)

	require.Equal(t, 1, h.source.Calls("GB"))
	require.InDelta(t, 2, h.requests(metrics.PathRematch), 0)
}

func TestFetchGuide_RefetchesAfterTTL(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t)}))
	ctx := context.Background()

	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)

	h.clock.Advance(5 * time.Hour)
	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)
	require.Equal(t, 1, h.source.Calls("GB"))

	h.clock.Advance(2 * time.Hour)
	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)
	require.Equal(t, 2, h.source.Calls("GB"))
}

func TestFetchGuide_CountryChangeRefetches(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t), "US": usGuide(t)}))
	ctx := context.Background()

	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)

	channels := append(liveChannels(), epg.LiveChannel{ID: "live-cnn", Name: "CNN"})
	results := h.svc.FetchGuide(ctx, channels, []string{"US", "GB"}, nil)

	require.Equal(t, 2, h.source.Calls("GB"))
	require.Equal(t, 1, h.source.Calls("US"))
	require.Equal(t, []string{"Newsroom"}, titles(results[2].Programs))
	require.Equal(t, []string{"Morning"}, titles(results[1].Programs))
}

func TestFetchGuide_SingleFlight(t *testing.T) {
	source := newFakeSource(map[string][]byte{"GB": gbGuide(t)})
	source.gate = make(chan struct{})
	source.started = make(chan string, 4)

	h := newHarness(t, source)
	ctx := context.Background()

	var wg sync.WaitGroup

	results := make([][]epg.Guide, 2)

	wg.Add(1)

	go func() {
		defer wg.Done()

		results[0] = h.svc.FetchGuide(ctx, liveChannels(), []string{"GB"}, nil)
	}()

	<-source.started

	wg.Add(1)

	go func() {
		defer wg.Done()

		results[1] = h.svc.FetchGuide(ctx, liveChannels()[:1], []string{"GB"}, nil)
	}()

	// Give the second caller time to join the load in flight.
	time.Sleep(100 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	require.Equal(t, 1, source.Calls("GB"))
	require.Len(t, results[0], 2)
	require.Len(t, results[1], 1)
	require.True(t, results[0][0].HasPrograms())
	require.True(t, results[1][0].HasPrograms())
	require.InDelta(t, 1, h.requests(metrics.PathFetch), 0)
	require.InDelta(t, 1, h.requests(metrics.PathShared), 0)
}

func TestFetchGuide_CancelledCallerDoesNotCancelSharedLoad(t *testing.T) {
	source := newFakeSource(map[string][]byte{"GB": gbGuide(t)})
	source.gate = make(chan struct{})
	source.started = make(chan string, 4)

	h := newHarness(t, source)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan []epg.Guide, 1)

	go func() {
		leaderDone <- h.svc.FetchGuide(leaderCtx, liveChannels(), []string{"GB"}, nil)
	}()

	<-source.started
	cancel()

	abandoned := <-leaderDone
	require.Len(t, abandoned, 2)
	require.False(t, abandoned[0].HasPrograms())

	waiterDone := make(chan []epg.Guide, 1)

	go func() {
		waiterDone <- h.svc.FetchGuide(context.Background(), liveChannels(), []string{"GB"}, nil)
	}()

	time.Sleep(100 * time.Millisecond)
	close(source.gate)

	results := <-waiterDone
	require.True(t, results[0].HasPrograms())
	require.Equal(t, 1, source.Calls("GB"))
}

func TestFetchGuide_AllSourcesFail(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	ctx := context.Background()

	results := h.svc.FetchGuide(ctx, liveChannels(), []string{"GB", "US"}, nil)
	require.Len(t, results, 2)

	for i, r := range results {
		require.Equal(t, liveChannels()[i].ID, r.ID)
		require.NotNil(t, r.Programs)
		require.Empty(t, r.Programs)
	}

	require.True(t, h.svc.LastFetch().IsZero())

	keys, err := h.store.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys, "empty results are not persisted")

	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB", "US"}, nil)
	require.Equal(t, 2, h.source.Calls("GB"), "failures are retried on the next call")
}

func TestFetchGuide_OneCountryFails(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{
		"GB": gbGuide(t),
		"FR": gzipTwice(t, "#EXTM3U not a guide"),
	}))

	results := h.svc.FetchGuide(context.Background(), liveChannels(), []string{"GB", "FR", "US"}, nil)
	require.True(t, results[0].HasPrograms())
	require.True(t, results[1].HasPrograms())

	require.InDelta(t, 1, testutil.ToFloat64(h.metrics.SourceFetches.WithLabelValues("FR", metrics.OutcomeError)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(h.metrics.SourceFetches.WithLabelValues("US", metrics.OutcomeError)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(h.metrics.SourceFetches.WithLabelValues("GB", metrics.OutcomeOK)), 0)
}

func TestFetchGuide_ZeroCountries(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t)}))

	results := h.svc.FetchGuide(context.Background(), liveChannels(), nil, nil)
	require.Len(t, results, 2)
	require.False(t, results[0].HasPrograms())
	require.Zero(t, h.source.Total())
}

func TestFetchGuide_PersistentCacheSurvivesRestart(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"GB": gbGuide(t), "US": usGuide(t)}))
	ctx := context.Background()

	h.svc.FetchGuide(ctx, liveChannels(), []string{"GB", "US"}, nil)
	require.Equal(t, 2, h.source.Total())

	h.clock.Advance(time.Hour)

	restarted := h.newService()
	results := restarted.FetchGuide(ctx, liveChannels(), []string{"us", "gb"}, nil)

	require.Equal(t, 2, h.source.Total(), "cache hit skips the network")
	require.Equal(t, []string{"News", "Weather", "Film"}, titles(results[0].Programs))
	require.True(t, testNow.Equal(restarted.LastFetch()), "last fetch is the original save time")
}

func TestNew_Defaults(t *testing.T) {
	svc := New(newTestLogger(), newFakeSource(nil), epg.NewScanParser(epg.ParseOptions{}))

	require.Equal(t, cache.DefaultTTL, svc.ttl)
	require.Equal(t, epg.DefaultRetention, svc.ahead)
	require.Equal(t, DefaultConcurrency, svc.concurrency)
	require.Nil(t, svc.cache)

	svc = New(newTestLogger(), newFakeSource(nil), epg.NewScanParser(epg.ParseOptions{}),
		WithTTL(time.Hour), WithHoursAhead(48*time.Hour), WithConcurrency(1), WithTTL(-1))
	require.Equal(t, time.Hour, svc.ttl)
	require.Equal(t, 48*time.Hour, svc.ahead)
	require.Equal(t, 1, svc.concurrency)
}

func TestFingerprint(t *testing.T) {
	a := liveChannels()
	b := liveChannels()
	require.Equal(t, fingerprint(a), fingerprint(b))

	b[1].Name = "ITV 2"
	require.NotEqual(t, fingerprint(a), fingerprint(b))

	// Field boundaries matter.
	require.NotEqual(t,
		fingerprint([]epg.LiveChannel{{ID: "ab", Name: "c"}}),
		fingerprint([]epg.LiveChannel{{ID: "a", Name: "bc"}}))
}
