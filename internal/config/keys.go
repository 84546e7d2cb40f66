package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

// keySpec binds a dotted config key to its env var and Config field.
// Secret keys name their account in the secret store and are never read
// from or written to the plain backend.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RAH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "RAH_SERVER_API_TOKEN",
		secret:  "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RAH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "RAH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "openai.api_key", typ: kString, env: "OPENAI_API_KEY",
		secret:  "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "RAH_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "agent.model", typ: kString, env: "RAH_AGENT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Agent.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.Model },
	},
	{
		key: "agent.key_env", typ: kString, env: "RAH_AGENT_KEY_ENV",
		apply:   func(cfg *Config, v any) { cfg.Agent.KeyEnv = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.KeyEnv },
	},
	{
		key: "agent.max_iterations", typ: kInt, env: "RAH_AGENT_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Agent.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.MaxIterations },
	},
	{
		key: "agent.iteration_timeout", typ: kDuration, env: "RAH_AGENT_ITERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Agent.IterationTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.IterationTimeout },
	},
	{
		key: "agent.execution_timeout", typ: kDuration, env: "RAH_AGENT_EXECUTION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Agent.ExecutionTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.ExecutionTimeout },
	},
	{
		key: "classifier.model", typ: kString, env: "RAH_CLASSIFIER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.Model },
	},
	{
		key: "workflow.dir", typ: kString, env: "RAH_WORKFLOW_DIR",
		apply:   func(cfg *Config, v any) { cfg.Workflow.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Workflow.Dir },
	},
	{
		key: "workflow.rerun_guard", typ: kDuration, env: "RAH_WORKFLOW_RERUN_GUARD",
		apply:   func(cfg *Config, v any) { cfg.Workflow.RerunGuard = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workflow.RerunGuard },
	},
	{
		key: "session.idle_timeout", typ: kDuration, env: "RAH_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "search.base_url", typ: kString, env: "RAH_SEARCH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Search.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.BaseURL },
	},
	{
		key: "ollama.base_url", typ: kString, env: "RAH_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "RAH_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "embedding.enabled", typ: kBool, env: "RAH_EMBEDDING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embedding.Enabled },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go value stored for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] "+format+". Using default value.\n", args...)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret != "" {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			warnf("could not parse %s from config key %s=%q: %v", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			warnf("could not parse %s from env var %s=%q: %v", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys still empty after env overrides from the
// secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if s.secret == "" || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.secret); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
