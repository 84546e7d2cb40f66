package config

import (
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	OpenAI     OpenAIConfig
	Agent      AgentConfig
	Classifier ClassifierConfig
	Workflow   WorkflowConfig
	Session    SessionConfig
	Search     SearchConfig
	Ollama     OllamaConfig
	Embedding  EmbeddingConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// AgentConfig controls the workflow executor loop.
type AgentConfig struct {
	Model string
	// KeyEnv names the environment variable consulted before OPENAI_API_KEY
	// when resolving the executor's API key.
	KeyEnv           string
	MaxIterations    int
	IterationTimeout time.Duration
	ExecutionTimeout time.Duration
}

type ClassifierConfig struct {
	Model string
}

type WorkflowConfig struct {
	Dir        string
	RerunGuard time.Duration
}

type SessionConfig struct {
	IdleTimeout time.Duration
}

type SearchConfig struct {
	BaseURL string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type EmbeddingConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Agent: AgentConfig{
			Model:            "gpt-5-mini",
			KeyEnv:           "RAH_WISE_RAH_OPENAI_API_KEY",
			MaxIterations:    10,
			IterationTimeout: 2 * time.Minute,
			ExecutionTimeout: 10 * time.Minute,
		},
		Classifier: ClassifierConfig{
			Model: "gpt-4o-mini",
		},
		Workflow: WorkflowConfig{
			RerunGuard: time.Hour,
		},
		Session: SessionConfig{
			IdleTimeout: 15 * time.Minute,
		},
		Search: SearchConfig{
			BaseURL: "https://html.duckduckgo.com/html/",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Embedding: EmbeddingConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.rah.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/rah/config.json
// and secrets fall back to $XDG_DATA_HOME/rah/secrets.json.
//
// Environment variables (RAH_*, OPENAI_API_KEY) override backend values on
// all platforms. A missing OpenAI key is not an error: edge classification
// degrades without it and the executor rejects requests on its own.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// secretService is the secret store service all rah secrets live under.
const secretService = "rah"

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// APIKeyHint tells the user where the OpenAI key can be provided.
func APIKeyHint() string {
	return "set OPENAI_API_KEY" + apiKeyHint()
}
