package data

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/savid/iptvguide/internal/epg"
)

// LoadChannels reads a JSON array of live channels from path.
func LoadChannels(path string) ([]epg.LiveChannel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel list: %w", err)
	}

	var channels []epg.LiveChannel
	if err := json.Unmarshal(raw, &channels); err != nil {
		return nil, fmt.Errorf("decode channel list %s: %w", path, err)
	}

	for i, ch := range channels {
		if ch.ID == "" {
			return nil, fmt.Errorf("channel %d in %s has no id", i, path)
		}
	}

	return channels, nil
}
