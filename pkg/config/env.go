package config

import (
	"strconv"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix environment variables use to override proxy-level
// settings, e.g. LLMPROXY_PORT, LLMPROXY_KEEP_ALIVE, LLMPROXY_REQUEST_KEEP_ALIVE.
// Only the proxy-wide settings are overridable this way; per-model args and
// ports are file-only (they are not meaningful as a single scalar env var).
const EnvPrefix = "LLMPROXY"

// ApplyEnvOverrides layers environment variables over a loaded Config,
// using the same Viper env-binding mechanism as a CLI-flag/local/global
// layered config loader, but with the file as the base layer and the
// environment as the sole override on top of it. If LLMPROXY_PORT changes
// proxy.port, every model whose port was auto-assigned from the file's
// proxy.port is re-resolved against the overridden value, so no backend
// ends up bound to a port derived from a proxy.port that is no longer in
// effect.
func ApplyEnvOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	_ = v.BindEnv("port")
	_ = v.BindEnv("keep_alive")
	_ = v.BindEnv("request_keep_alive")

	if raw := v.GetString("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		cfg.Proxy.Port = port
	}
	if raw := v.GetString("keep_alive"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		cfg.Proxy.KeepAliveSeconds = secs
	}
	if raw := v.GetString("request_keep_alive"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		cfg.Proxy.RequestKeepAliveSeconds = secs
	}

	cfg.assignAutoPorts()
	return nil
}
