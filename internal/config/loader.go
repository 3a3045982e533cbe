package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// defaultYAML is the lowest-precedence configuration layer.
const defaultYAML = `
logging:
  level: info
  format: json
scheduler:
  max_parallel_tasks: 4
  default_max_retries: 2
  task_retry_delay: 1s
loop:
  max_sub_steps_per_task: 10
  max_llm_calls_per_run: 40
  max_delegation_depth: 3
  oracle_timeout: 60s
  oracle_command: ""
tools:
  default_timeout: 30s
  history_limit: 256
  retry:
    max_retries: 2
    backoff: exponential
    base_delay: 500ms
    max_delay: 10s
memory:
  working_capacity: 50
  short_term_capacity: 200
  short_term_ttl: 1h
  sweep_interval: 1m
storage:
  path: ""
`

// envPrefix namespaces environment overrides, e.g.
// AGENTCORE_SCHEDULER_MAX_PARALLEL_TASKS=8.
const envPrefix = "AGENTCORE_"

// Load builds configuration from defaults, an optional YAML file, and
// environment variables, in increasing order of precedence.
// A missing config file is not an error; a malformed one is.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		} else if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration with no file or env overrides.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// The embedded defaults are a compile-time constant; failing to
		// parse them is a programming error.
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// envToKey maps AGENTCORE_LOOP_MAX_LLM_CALLS_PER_RUN to loop.max_llm_calls_per_run.
// Only the first underscore separates the section from the key; the rest of
// the name is the key itself.
func envToKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	// tools.retry.* keys nest one level deeper
	if parts[0] == "tools" && strings.HasPrefix(parts[1], "retry_") {
		return "tools.retry." + strings.TrimPrefix(parts[1], "retry_")
	}
	return parts[0] + "." + parts[1]
}
