package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/handlers"
	"github.com/MegaGrindStone/isek-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type backendConfig interface {
	// backend builds the chat backend. The returned closer releases its resources and may be nil.
	backend(systemPrompt, dbPath string, logger *slog.Logger) (handlers.Backend, io.Closer, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// DBPath is where the local backend stores sessions. Defaults to store.db in the config directory.
	DBPath string `yaml:"dbPath"`
	// GenerateTitle names untitled sessions after their first message.
	GenerateTitle bool `yaml:"generateTitle"`
}

type config struct {
	Port            string        `yaml:"port"`
	SystemPrompt    string        `yaml:"systemPrompt"`
	StreamTimeout   time.Duration `yaml:"streamTimeout"`
	ThreadCacheSize int           `yaml:"threadCacheSize"`
	DefaultAgentID  string        `yaml:"defaultAgentId"`
	Log             logConfig     `yaml:"log"`
	Backend         backendConfig `yaml:"backend"`
}

type logConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type isekConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseUrl"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseUrl"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type llm interface {
	services.LLM
	services.TitleGenerator
}

const (
	defaultPort            = "8080"
	defaultStreamTimeout   = 10 * time.Second
	defaultThreadCacheSize = 128
	defaultISEKBaseURL     = "http://localhost:5000"
	defaultOllamaHost      = "http://localhost:11434"
)

// defaultDBPath places the local store next to the config file.
func defaultDBPath(cfgFilePath string) string {
	return filepath.Join(filepath.Dir(cfgFilePath), "store.db")
}

func loadConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.ThreadCacheSize <= 0 {
		cfg.ThreadCacheSize = defaultThreadCacheSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return cfg, nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string         `yaml:"port"`
		SystemPrompt    string         `yaml:"systemPrompt"`
		StreamTimeout   time.Duration  `yaml:"streamTimeout"`
		ThreadCacheSize int            `yaml:"threadCacheSize"`
		DefaultAgentID  string         `yaml:"defaultAgentId"`
		Log             logConfig      `yaml:"log"`
		Backend         map[string]any `yaml:"backend"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.StreamTimeout = rawConfig.StreamTimeout
	c.ThreadCacheSize = rawConfig.ThreadCacheSize
	c.DefaultAgentID = rawConfig.DefaultAgentID
	c.Log = rawConfig.Log

	provider := "isek"
	if p, ok := rawConfig.Backend["provider"].(string); ok && p != "" {
		provider = p
	}

	backendRawYAML, err := yaml.Marshal(rawConfig.Backend)
	if err != nil {
		return err
	}

	var backend backendConfig
	switch provider {
	case "isek":
		backend = &isekConfig{}
	case "openai":
		backend = &openAIConfig{}
	case "openrouter":
		backend = &openRouterConfig{}
	case "ollama":
		backend = &ollamaConfig{}
	case "anthropic":
		backend = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown backend provider: %s", provider)
	}

	if err := yaml.Unmarshal(backendRawYAML, backend); err != nil {
		return err
	}

	c.Backend = backend
	return nil
}

func (i isekConfig) backend(systemPrompt, _ string, logger *slog.Logger) (handlers.Backend, io.Closer, error) {
	baseURL := i.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("ISEK_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultISEKBaseURL
	}
	return services.NewIsek(baseURL, systemPrompt, nil, logger), nil, nil
}

func (o openAIConfig) backend(systemPrompt, dbPath string, logger *slog.Logger) (handlers.Backend, io.Closer, error) {
	if o.Model == "" {
		return nil, nil, errors.New("model is required")
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return o.local(services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), dbPath, logger)
}

func (o openRouterConfig) backend(systemPrompt, dbPath string, logger *slog.Logger) (handlers.Backend, io.Closer, error) {
	if o.Model == "" {
		return nil, nil, errors.New("model is required")
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return o.local(services.NewOpenRouter(apiKey, "", o.Model, systemPrompt, logger), dbPath, logger)
}

func (o ollamaConfig) backend(systemPrompt, dbPath string, logger *slog.Logger) (handlers.Backend, io.Closer, error) {
	if o.Model == "" {
		return nil, nil, errors.New("model is required")
	}
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt, logger)
	if err != nil {
		return nil, nil, err
	}
	return o.local(ollama, dbPath, logger)
}

func (a anthropicConfig) backend(systemPrompt, dbPath string, logger *slog.Logger) (handlers.Backend, io.Closer, error) {
	if a.Model == "" {
		return nil, nil, errors.New("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, nil, errors.New("maxTokens is required")
	}
	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return a.local(services.NewAnthropic(apiKey, "", a.Model, systemPrompt, a.MaxTokens, logger), dbPath, logger)
}

// local wraps the LLM in a BoltDB backed local backend.
func (b BaseLLMConfig) local(l llm, dbPath string, logger *slog.Logger) (handlers.Backend, io.Closer, error) {
	if b.DBPath != "" {
		dbPath = b.DBPath
	}
	db, err := services.NewBoltDB(dbPath)
	if err != nil {
		return nil, nil, err
	}

	var titleGen services.TitleGenerator
	if b.GenerateTitle {
		titleGen = l
	}
	return services.NewLocal(db, l, titleGen, logger), db, nil
}
