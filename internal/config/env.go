package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment override, e.g.
// BREEZE_LLM_API_KEY or BREEZE_AGENT_MAX_ITERATIONS.
const EnvPrefix = "BREEZE_"

// applyEnv overlays environment variables onto cfg. Unset variables leave
// the file values alone.
func applyEnv(cfg *Config) error {
	return applyEnvFrom(cfg, nil)
}

// applyEnvFrom overlays the given environment, or the process environment
// when environment is nil.
func applyEnvFrom(cfg *Config, environment map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
