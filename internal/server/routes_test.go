package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/guide"
	"github.com/savid/iptvguide/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)

func newTestLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return logger
}

func xmltvTime(offset time.Duration) string {
	return testNow.Add(offset).Format("20060102150405") + " +0000"
}

// staticSource serves one plain XMLTV document per country.
type staticSource map[string]string

func (s staticSource) FetchSource(_ context.Context, country string) ([]byte, error) {
	doc, ok := s[country]
	if !ok {
		return nil, errors.New("no such country")
	}

	return []byte(doc), nil
}

func gbDocument() string {
	var sb strings.Builder

	sb.WriteString("<tv>\n")
	sb.WriteString(`<channel id="bbc1.uk"><display-name>BBC One</display-name></channel>` + "\n")
	sb.WriteString(`<channel id="itv1.uk"><display-name>ITV1</display-name></channel>` + "\n")

	for _, p := range []struct {
		channel, title string
		start, stop    time.Duration
	}{
		{"bbc1.uk", "News", -10 * time.Minute, 20 * time.Minute},
		{"bbc1.uk", "Weather", 20 * time.Minute, 30 * time.Minute},
		{"bbc1.uk", "Film", time.Hour, 3 * time.Hour},
	} {
		fmt.Fprintf(&sb, "<programme start=%q stop=%q channel=%q><title>%s</title></programme>\n",
			xmltvTime(p.start), xmltvTime(p.stop), p.channel, p.title)
	}

	sb.WriteString("</tv>\n")

	return sb.String()
}

func liveChannels() []epg.LiveChannel {
	return []epg.LiveChannel{
		{ID: "live/bbc", Name: "BBC One HD", TVGID: "bbc1.uk"},
		{ID: "live-itv", Name: "ITV 1"},
	}
}

func newTestService(t *testing.T, reg prometheus.Registerer) *guide.Service {
	t.Helper()

	parser, err := epg.NewParser(epg.BackendScan, epg.ParseOptions{})
	require.NoError(t, err)

	return guide.New(
		newTestLogger(),
		staticSource{"GB": gbDocument()},
		parser,
		guide.WithClock(func() time.Time { return testNow }),
		guide.WithMetrics(metrics.New(reg)),
	)
}

func newTestRoutes(t *testing.T) (*guide.Service, http.Handler) {
	t.Helper()

	reg := prometheus.NewRegistry()
	svc := newTestService(t, reg)

	return svc, NewRoutes(newTestLogger(), svc, []string{"GB"}, reg).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, reader))

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T

	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))

	return v
}

func TestFetchGuideRoute(t *testing.T) {
	_, h := newTestRoutes(t)

	rec := do(t, h, http.MethodPost, "/guide", fetchRequest{Channels: liveChannels()})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	results := decode[[]epg.Guide](t, rec)
	require.Len(t, results, 2)
	require.Equal(t, "live/bbc", results[0].ID)
	require.Equal(t, epg.StrategyTVGID, results[0].Strategy)
	require.Len(t, results[0].Programs, 3)
	require.Equal(t, epg.StrategyNormalized, results[1].Strategy)
	require.Empty(t, results[1].Programs)
}

func TestFetchGuideRoute_InvalidBody(t *testing.T) {
	_, h := newTestRoutes(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/guide", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchGuideRoute_UnknownCountry(t *testing.T) {
	_, h := newTestRoutes(t)

	rec := do(t, h, http.MethodPost, "/guide", fetchRequest{Channels: liveChannels(), Countries: []string{"zz"}})
	require.Equal(t, http.StatusOK, rec.Code)

	results := decode[[]epg.Guide](t, rec)
	require.Len(t, results, 2)

	for _, g := range results {
		require.Empty(t, g.Programs)
		require.Equal(t, epg.StrategyNone, g.Strategy)
	}
}

func TestLookupRoutes(t *testing.T) {
	svc, h := newTestRoutes(t)
	svc.FetchGuide(context.Background(), liveChannels(), []string{"GB"}, nil)

	t.Run("all channels", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/guide", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, decode[[]epg.Guide](t, rec), 2)
	})

	t.Run("now", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/guide/live%2Fbbc/now", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "News", decode[epg.Program](t, rec).Title)

		rec = do(t, h, http.MethodGet, "/guide/live-itv/now", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("upcoming", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/guide/live%2Fbbc/upcoming?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		upcoming := decode[[]epg.Program](t, rec)
		require.Len(t, upcoming, 1)
		require.Equal(t, "Weather", upcoming[0].Title)

		for _, limit := range []string{"0", "-1", "abc"} {
			rec = do(t, h, http.MethodGet, "/guide/live%2Fbbc/upcoming?limit="+limit, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, limit)
		}
	})

	t.Run("programs", func(t *testing.T) {
		start := testNow.Add(15 * time.Minute).Format(time.RFC3339)
		end := testNow.Add(90 * time.Minute).Format(time.RFC3339)

		rec := do(t, h, http.MethodGet, "/guide/live%2Fbbc/programs?start="+start+"&end="+end, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, decode[[]epg.Program](t, rec), 3)

		rec = do(t, h, http.MethodGet, "/guide/live-itv/programs?start="+start+"&end="+end, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, decode[[]epg.Program](t, rec))

		for _, query := range []string{
			"",
			"start=" + start,
			"start=yesterday&end=" + end,
			"start=" + end + "&end=" + start,
		} {
			rec = do(t, h, http.MethodGet, "/guide/live%2Fbbc/programs?"+query, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, query)
		}
	})

	t.Run("search", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/guide/search?name=bbc", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "live/bbc", decode[epg.Guide](t, rec).ID)

		rec = do(t, h, http.MethodGet, "/guide/search?name=discovery", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)

		rec = do(t, h, http.MethodGet, "/guide/search", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRefreshRoute(t *testing.T) {
	svc, h := newTestRoutes(t)

	rec := do(t, h, http.MethodPost, "/guide/refresh", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	svc.FetchGuide(context.Background(), liveChannels(), []string{"GB"}, nil)

	rec = do(t, h, http.MethodPost, "/guide/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]epg.Guide](t, rec), 2)
}

func TestHealthRoute(t *testing.T) {
	svc, h := newTestRoutes(t)

	type health struct {
		Status    string `json:"status"`
		Channels  int    `json:"channels"`
		WithGuide int    `json:"withGuide"`
		LastFetch string `json:"lastFetch"`
	}

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, health{Status: "ok"}, decode[health](t, rec))

	svc.FetchGuide(context.Background(), liveChannels(), []string{"GB"}, nil)

	rec = do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, health{
		Status:    "ok",
		Channels:  2,
		WithGuide: 1,
		LastFetch: testNow.Format(time.RFC3339),
	}, decode[health](t, rec))
}

func TestMetricsRoute(t *testing.T) {
	svc, h := newTestRoutes(t)
	svc.FetchGuide(context.Background(), liveChannels(), []string{"GB"}, nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "iptvguide_")
}

func TestMetricsRoute_DisabledWithoutGatherer(t *testing.T) {
	svc := newTestService(t, prometheus.NewRegistry())
	h := NewRoutes(newTestLogger(), svc, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
