package guide

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/savid/iptvguide/internal/epg"
)

// DefaultUpcomingLimit is the number of programmes UpcomingPrograms returns
// when no positive limit is given.
const DefaultUpcomingLimit = 5

// ErrNothingToRefresh is returned by Refresh before any guide was requested.
var ErrNothingToRefresh = errors.New("no guide request to refresh")

// AllChannels returns the last matched snapshot.
func (s *Service) AllChannels() []epg.Guide {
	return slices.Clone(s.session.snapshot())
}

// LastFetch returns when the loaded guide data was fetched, zero if none is
// loaded.
func (s *Service) LastFetch() time.Time {
	s.session.mu.RLock()
	defer s.session.mu.RUnlock()

	return s.session.lastFetch
}

func (s *Service) programs(channelID string) []epg.Program {
	for _, g := range s.session.snapshot() {
		if g.ID == channelID {
			return g.Programs
		}
	}

	return nil
}

// CurrentProgram returns the programme airing now on channelID.
func (s *Service) CurrentProgram(channelID string) (epg.Program, bool) {
	now := s.now()

	for _, p := range s.programs(channelID) {
		if p.AiringAt(now) {
			return p, true
		}
	}

	return epg.Program{}, false
}

// UpcomingPrograms returns up to limit programmes on channelID starting
// after now.
func (s *Service) UpcomingPrograms(channelID string, limit int) []epg.Program {
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}

	now := s.now()
	upcoming := make([]epg.Program, 0, limit)

	for _, p := range s.programs(channelID) {
		if !p.Start.After(now) {
			continue
		}

		upcoming = append(upcoming, p)
		if len(upcoming) == limit {
			break
		}
	}

	return upcoming
}

// ProgramsForChannel returns the programmes on channelID overlapping
// [start, end).
func (s *Service) ProgramsForChannel(channelID string, start, end time.Time) []epg.Program {
	var out []epg.Program

	for _, p := range s.programs(channelID) {
		if p.Overlaps(start, end) {
			out = append(out, p)
		}
	}

	return out
}

// FindChannelGuide looks a channel up by name in the last snapshot: an exact
// case-insensitive match first, then the first name containing it.
func (s *Service) FindChannelGuide(name string) (epg.Guide, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return epg.Guide{}, false
	}

	snapshot := s.session.snapshot()

	for _, g := range snapshot {
		if strings.ToLower(g.DisplayName) == needle {
			return g, true
		}
	}

	for _, g := range snapshot {
		if strings.Contains(strings.ToLower(g.DisplayName), needle) {
			return g, true
		}
	}

	return epg.Guide{}, false
}

// ClearCache drops in-memory guide state and every persistent cache entry.
// In-memory state is cleared even when the persistent store fails.
func (s *Service) ClearCache(ctx context.Context) error {
	s.session.mu.Lock()
	s.session.reset()
	s.session.mu.Unlock()

	s.log.Info("Guide cache cleared")

	if s.cache == nil {
		return nil
	}

	if err := s.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear persistent guide cache: %w", err)
	}

	return nil
}

// Refresh replays the last FetchGuide request. Fresh data is served from
// memory, so only expired data is fetched again.
func (s *Service) Refresh(ctx context.Context) error {
	last, ok := s.session.lastRequest()
	if !ok {
		return ErrNothingToRefresh
	}

	s.FetchGuide(ctx, last.channels, last.countries, nil)

	return nil
}

// ForceRefresh clears every cache and reloads the last request.
func (s *Service) ForceRefresh(ctx context.Context) ([]epg.Guide, error) {
	last, ok := s.session.lastRequest()
	if !ok {
		return nil, ErrNothingToRefresh
	}

	if err := s.ClearCache(ctx); err != nil {
		s.log.WithError(err).Warn("Reloading guide despite cache clear failure")
	}

	return s.FetchGuide(ctx, last.channels, last.countries, nil), nil
}
