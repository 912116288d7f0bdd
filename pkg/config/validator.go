package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate runs struct-tag validation over every resolved section plus the
// cross-field checks tags cannot express.
func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())

	sections := map[string]any{
		"server":    cfg.Server,
		"logging":   cfg.Logging,
		"security":  cfg.Security,
		"vlm":       cfg.VLM,
		"agent":     cfg.Agent,
		"heartbeat": cfg.Heartbeat,
		"chat":      cfg.Chat,
		"stream":    cfg.Stream,
	}
	for name, section := range sections {
		if err := v.Struct(section); err != nil {
			return fmt.Errorf("section %q: %w", name, err)
		}
	}

	if cfg.Heartbeat.ActiveHoursStart >= cfg.Heartbeat.ActiveHoursEnd {
		return fmt.Errorf("heartbeat: active_hours_start (%d) must be before active_hours_end (%d)",
			cfg.Heartbeat.ActiveHoursStart, cfg.Heartbeat.ActiveHoursEnd)
	}

	for _, p := range cfg.Models.List() {
		if err := v.Struct(p); err != nil {
			return fmt.Errorf("model profile %q: %w", p.ID, err)
		}
	}

	return nil
}
