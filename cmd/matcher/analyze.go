package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/savid/iptvguide/internal/epg"
)

const (
	noProgramsMsg = "NO PROGRAMS"
	maxClose      = 5
)

// analyzeResults prints detailed matching analysis.
func analyzeResults(w io.Writer, channels []epg.LiveChannel, guide []epg.Channel, results []epg.Guide) {
	byStrategy := make(map[epg.Strategy][]epg.Guide, len(epg.Strategies))

	var unmatched []epg.LiveChannel

	for i, g := range results {
		if g.Strategy == epg.StrategyNone {
			unmatched = append(unmatched, channels[i])

			continue
		}

		byStrategy[g.Strategy] = append(byStrategy[g.Strategy], g)
	}

	guideNames := make(map[string]string, len(guide))
	for _, ch := range guide {
		guideNames[ch.ID] = ch.DisplayName
	}

	matched := len(results) - len(unmatched)

	fmt.Fprintln(w, "\n"+strings.Repeat("-", 80))
	fmt.Fprintf(w, "MATCHED CHANNELS (%d/%d)\n", matched, len(results))
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, strategy := range epg.Strategies {
		group := byStrategy[strategy]
		if len(group) == 0 {
			continue
		}

		fmt.Fprintf(w, "\n  [%s] (%d channels)\n", strings.ToUpper(string(strategy)), len(group))

		for _, g := range group {
			programInfo := fmt.Sprintf("%d programs", len(g.Programs))
			if len(g.Programs) == 0 {
				programInfo = noProgramsMsg
			}

			fmt.Fprintf(w, "    %-40s -> %-30s [%s]\n",
				truncate(g.DisplayName, 40),
				truncate(guideNames[g.EPGID], 30),
				programInfo,
			)
		}
	}

	fmt.Fprintln(w, "\n"+strings.Repeat("-", 80))
	fmt.Fprintf(w, "UNMATCHED CHANNELS (%d/%d)\n", len(unmatched), len(results))
	fmt.Fprintln(w, strings.Repeat("-", 80))

	if len(unmatched) == 0 {
		fmt.Fprintln(w, "  All channels matched!")
	}

	for _, ch := range unmatched {
		fmt.Fprintf(w, "\n  %s\n", ch.Name)
		fmt.Fprintf(w, "    tvg-id: %q\n", ch.TVGID)

		closeMatches := findClosestMatches(ch.Name, guide)
		if len(closeMatches) == 0 {
			fmt.Fprintln(w, "    no close matches found")

			continue
		}

		fmt.Fprintln(w, "    close matches in EPG:")

		for _, match := range closeMatches {
			fmt.Fprintf(w, "      - %s\n", match)
		}
	}

	summary := epg.Summarize(results)

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	matchRate := 0.0
	if len(results) > 0 {
		matchRate = float64(matched) / float64(len(results)) * 100
	}

	fmt.Fprintf(w, "  Total live channels: %d\n", len(results))
	fmt.Fprintf(w, "  Matched:             %d (%.1f%%)\n", matched, matchRate)
	fmt.Fprintf(w, "  Unmatched:           %d\n", len(unmatched))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  By strategy:")

	for _, strategy := range epg.Strategies {
		fmt.Fprintf(w, "    %-12s %d\n", string(strategy)+":", summary[strategy])
	}

	withPrograms := 0

	for _, g := range results {
		if g.HasPrograms() {
			withPrograms++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Matched with programs: %d\n", withPrograms)
	fmt.Fprintf(w, "  Matched without programs: %d\n", matched-withPrograms)

	fmt.Fprintln(w, strings.Repeat("=", 80))
}

// findClosestMatches finds EPG channels with similar names using simple token matching.
func findClosestMatches(name string, guide []epg.Channel) []string {
	tokens := strings.Fields(strings.ToLower(name))
	if len(tokens) == 0 {
		return nil
	}

	type scored struct {
		name  string
		score int
	}

	candidates := make([]scored, 0, 10)

	for _, ch := range guide {
		guideTokens := strings.Fields(strings.ToLower(ch.DisplayName))

		matches := 0

		for _, t1 := range tokens {
			for _, t2 := range guideTokens {
				if t1 == t2 {
					matches++

					break
				}
			}
		}

		if matches > 0 {
			candidates = append(candidates, scored{name: ch.DisplayName, score: matches})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	result := make([]string, 0, maxClose)

	for i := 0; i < len(candidates) && i < maxClose; i++ {
		result = append(result, candidates[i].name)
	}

	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	return s[:maxLen-3] + "..."
}
