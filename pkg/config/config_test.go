package config

import "testing"

func TestLoadAutoPort(t *testing.T) {
	data := []byte(`
[proxy]
port = 8080
keep_alive = 60
request_keep_alive = 30

[models.a]
args = ["echo", "{{ port }}"]

[models.b]
args = ["echo", "{{ port }}"]
port = 9000

[models.c]
args = ["echo", "{{ port }}"]
`)

	cfg, err := Load(data)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := map[string]int{
		"a": 8081,
		"b": 9000,
		"c": 8082,
	}
	for name, want := range tests {
		model, ok := cfg.Models[name]
		if !ok {
			t.Fatalf("missing model %q", name)
		}
		if model.Port != want {
			t.Errorf("model %q port = %d, want %d", name, model.Port, want)
		}
	}
}

func TestApplyEnvOverridesReassignsAutoPorts(t *testing.T) {
	data := []byte(`
[proxy]
port = 8080
keep_alive = 60
request_keep_alive = 30

[models.a]
args = ["echo", "{{ port }}"]

[models.b]
args = ["echo", "{{ port }}"]
port = 9000

[models.c]
args = ["echo", "{{ port }}"]
`)

	cfg, err := Load(data)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	t.Setenv("LLMPROXY_PORT", "9100")
	if err := ApplyEnvOverrides(cfg); err != nil {
		t.Fatalf("ApplyEnvOverrides() error: %v", err)
	}

	if cfg.Proxy.Port != 9100 {
		t.Fatalf("Proxy.Port = %d, want 9100", cfg.Proxy.Port)
	}

	tests := map[string]int{
		"a": 9101, // auto-assigned: re-resolved against the overridden proxy port
		"b": 9000, // explicit in the file: untouched by the override
		"c": 9102, // auto-assigned: re-resolved against the overridden proxy port
	}
	for name, want := range tests {
		model, ok := cfg.Models[name]
		if !ok {
			t.Fatalf("missing model %q", name)
		}
		if model.Port != want {
			t.Errorf("model %q port = %d, want %d", name, model.Port, want)
		}
	}
}

func TestValidateEmptyArgs(t *testing.T) {
	cfg := &Config{
		Proxy: ProxyConfig{Port: 8080},
		Models: map[string]*ModelConfig{
			"m": {Args: nil, Port: 8081},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for empty args")
	}
}

func TestValidatePortCollision(t *testing.T) {
	cfg := &Config{
		Proxy: ProxyConfig{Port: 8080},
		Models: map[string]*ModelConfig{
			"m": {Args: []string{"bin"}, Port: 8080},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for port collision with proxy")
	}
}

func TestValidateOK(t *testing.T) {
	cfg := &Config{
		Proxy: ProxyConfig{Port: 8080, KeepAliveSeconds: 60, RequestKeepAliveSeconds: 30},
		Models: map[string]*ModelConfig{
			"m": {Args: []string{"bin", "{{ port }}"}, Port: 8081},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
