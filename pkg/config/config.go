// Package config loads and validates the proxy's TOML configuration file:
// the proxy's own listen port and keep-alive durations, and the set of
// models it is allowed to spawn backends for.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/pelletier/go-toml/v2"
)

// PortPlaceholder is the literal argv token substituted with the backend's
// assigned port at spawn time.
const PortPlaceholder = "{{ port }}"

// Config is the fully-resolved proxy configuration: every model's port has
// already been auto-assigned by the time LoadFile returns. If an
// environment override changes proxy.port afterward, ApplyEnvOverrides
// re-runs auto-port assignment so every auto-assigned model's port is
// derived from the effective proxy.port, not the file's.
type Config struct {
	Proxy  ProxyConfig             `toml:"proxy"`
	Models map[string]*ModelConfig `toml:"models"`

	// modelOrder and autoAssigned are captured at decode time, before any
	// port is assigned, so assignAutoPorts can be re-run after proxy.port
	// changes without losing track of which models came in with port 0.
	modelOrder   []string
	autoAssigned map[string]bool
}

// ProxyConfig holds the proxy's own listen port and keep-alive durations.
// Durations are whole seconds on the wire.
type ProxyConfig struct {
	Port                    int `toml:"port"`
	KeepAliveSeconds        int `toml:"keep_alive"`
	RequestKeepAliveSeconds int `toml:"request_keep_alive"`
}

// ModelConfig is immutable per-model configuration: an argument vector
// (with "{{ port }}" substituted at spawn time) and a bound loopback port.
type ModelConfig struct {
	Args []string `toml:"args"`
	Port int      `toml:"port"`
}

// modelHeader matches a "[models.<name>]" table header so LoadFile can
// recover the file's encounter order for auto-port assignment. go-toml/v2
// decodes tables into a map, which does not preserve source order, so this
// regexp pass runs once over the raw bytes before decoding.
var modelHeader = regexp.MustCompile(`(?m)^\s*\[models\.([^\]]+)\]\s*$`)

// LoadFile reads and parses a TOML config file, then assigns auto-ports
// (port 0 or absent) in file encounter order: the k-th model with port 0
// gets proxy.port + 1 + k.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Load(data)
}

// Load parses raw TOML bytes into a Config and resolves auto-assigned ports.
func Load(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	cfg.assignAutoPorts()
	return cfg, nil
}

// decode parses raw TOML bytes into a Config without assigning any
// auto-port, recording each model's file-encounter order and whether its
// port was 0 or absent so assignAutoPorts can be run (and re-run) later.
func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Models == nil {
		cfg.Models = map[string]*ModelConfig{}
	}

	cfg.modelOrder = modelOrder(data, cfg.Models)
	cfg.autoAssigned = make(map[string]bool, len(cfg.Models))
	for name, model := range cfg.Models {
		if model.Port == 0 {
			cfg.autoAssigned[name] = true
		}
	}

	return &cfg, nil
}

// assignAutoPorts assigns proxy.port + 1 + k to the k-th model (in file
// encounter order) whose port was 0 or absent in the source config. It
// reads the current c.Proxy.Port and recomputes every auto-assigned
// model's port from scratch each time it is called, so it is safe to call
// again after proxy.port changes (ApplyEnvOverrides does this) instead of
// leaving auto-assigned ports derived from a stale proxy.port.
func (c *Config) assignAutoPorts() {
	used := 0
	for _, name := range c.modelOrder {
		if !c.autoAssigned[name] {
			continue
		}
		c.Models[name].Port = c.Proxy.Port + 1 + used
		used++
	}
}

// modelOrder returns the model names in the order their "[models.<name>]"
// headers appear in the raw file, falling back to an arbitrary order for
// any name present in the decoded map but not matched by the header regexp
// (e.g. a table defined via dotted inline syntax).
func modelOrder(data []byte, models map[string]*ModelConfig) []string {
	seen := make(map[string]bool, len(models))
	order := make([]string, 0, len(models))

	for _, m := range modelHeader.FindAllSubmatch(data, -1) {
		name := string(m[1])
		if _, ok := models[name]; ok && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	for name := range models {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	return order
}

// Validate checks structural invariants that the HTTP layer relies on:
// every model has a non-empty argument vector, and no two models (or a
// model and the proxy itself) were explicitly assigned the same port.
func (c *Config) Validate() error {
	var errs []error

	if c.Proxy.Port <= 0 {
		errs = append(errs, fmt.Errorf("proxy.port must be set to a positive value"))
	}
	if c.Proxy.KeepAliveSeconds < 0 {
		errs = append(errs, fmt.Errorf("proxy.keep_alive must not be negative"))
	}
	if c.Proxy.RequestKeepAliveSeconds < 0 {
		errs = append(errs, fmt.Errorf("proxy.request_keep_alive must not be negative"))
	}

	ports := map[int]string{c.Proxy.Port: "proxy"}
	for name, model := range c.Models {
		if len(model.Args) == 0 {
			errs = append(errs, fmt.Errorf("model %q: args must not be empty", name))
			continue
		}
		if owner, taken := ports[model.Port]; taken {
			errs = append(errs, fmt.Errorf("model %q: port %d collides with %q", name, model.Port, owner))
			continue
		}
		ports[model.Port] = name
	}

	return errors.Join(errs...)
}
