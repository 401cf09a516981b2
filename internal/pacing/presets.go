package pacing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"campaignd/internal/campaign"
)

// Presets maps sending-mode names to account limits.
//
// Names of the form "<n>_per_<unit>" resolve without an entry:
//   - "5_per_day"   -> daily_limit=5
//   - "1_per_min"   -> 1 action per 1m window
//   - "10_per_hour" -> 10 actions per 1h window
type Presets map[string]campaign.Limits

var rePreset = regexp.MustCompile(`^(\d+)_per_(sec|second|min|minute|hour|day)$`)

// Resolve looks up name in p, falling back to the "<n>_per_<unit>" form.
func (p Presets) Resolve(name string) (campaign.Limits, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return campaign.Limits{}, fmt.Errorf("preset name required")
	}
	if lim, ok := p[key]; ok {
		return lim, nil
	}
	return ParsePreset(key)
}

// ParsePreset expands a "<n>_per_<unit>" sending mode.
func ParsePreset(name string) (campaign.Limits, error) {
	m := rePreset.FindStringSubmatch(strings.ToLower(strings.TrimSpace(name)))
	if len(m) != 3 {
		return campaign.Limits{}, fmt.Errorf("unknown sending mode %q (use e.g. 5_per_day, 1_per_min, 10_per_hour)", name)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return campaign.Limits{}, fmt.Errorf("sending mode %q: count must be > 0", name)
	}
	switch m[2] {
	case "day":
		return campaign.Limits{DailyLimit: n}, nil
	case "hour":
		return campaign.Limits{MaxActionsPerWindow: n, Window: time.Hour}, nil
	case "min", "minute":
		return campaign.Limits{MaxActionsPerWindow: n, Window: time.Minute}, nil
	default:
		return campaign.Limits{MaxActionsPerWindow: n, Window: time.Second}, nil
	}
}

// Merge fills zero fields of lim from preset. Explicit account limits win.
func Merge(lim, preset campaign.Limits) campaign.Limits {
	if lim.MaxActionsPerWindow == 0 && lim.Window == 0 {
		lim.MaxActionsPerWindow = preset.MaxActionsPerWindow
		lim.Window = preset.Window
	}
	if lim.DailyLimit == 0 {
		lim.DailyLimit = preset.DailyLimit
	}
	return lim
}
