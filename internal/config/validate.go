package config

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// Validate logs a warning for every unrecognized field. Unknown fields never
// fail the load.
func Validate(cfg *BatchConfig) {
	warnOverflow("config", cfg.Overflow)
	warnOverflow("batch_settings", cfg.BatchSettings.Overflow)
	warnOverflow("general_settings", cfg.GeneralSettings.Overflow)
	if cfg.RedisSettings != nil {
		warnOverflow("redis_settings", cfg.RedisSettings.Overflow)
	}
	for i, a := range cfg.APIConfigs {
		warnOverflow(fmt.Sprintf("api_configs[%d](%s)", i, a.Alias), a.Overflow)
	}
}

func warnOverflow(section string, overflow map[string]any) {
	if len(overflow) == 0 {
		return
	}
	keys := make([]string, 0, len(overflow))
	for k := range overflow {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Warn().Str("section", section).Str("field", k).Msg("unrecognized config field ignored")
	}
}
