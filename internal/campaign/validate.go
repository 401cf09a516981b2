package campaign

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks pacing options that do not need external lookups.
func (p PacingConfig) Validate() error {
	if p.MinInterval < 0 || p.MaxInterval < 0 {
		return fmt.Errorf("%w: intervals must be >= 0", ErrInvalidConfig)
	}
	if p.MaxInterval > 0 && p.MaxInterval < p.MinInterval {
		return fmt.Errorf("%w: max_interval %s < min_interval %s", ErrInvalidConfig, p.MaxInterval, p.MinInterval)
	}
	if p.BatchSize < 0 || p.BatchPause < 0 {
		return fmt.Errorf("%w: batch options must be >= 0", ErrInvalidConfig)
	}
	if p.DailyLimit < 0 {
		return fmt.Errorf("%w: daily_limit must be >= 0", ErrInvalidConfig)
	}
	if !p.Rotation.Valid() {
		return fmt.Errorf("%w: unknown rotation_strategy %q", ErrInvalidConfig, p.Rotation)
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, tz, err)
		}
	}
	if p.MaxParallelAccounts < 0 || p.StallTimeout < 0 {
		return fmt.Errorf("%w: max_parallel_accounts and stall_timeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the campaign definition.
func (c Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: campaign id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Platform) == "" {
		return fmt.Errorf("%w: campaign %s: platform is required", ErrInvalidConfig, c.ID)
	}
	return c.Pacing.Validate()
}
