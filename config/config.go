package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ingestion service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Provider  ProviderConfig  `mapstructure:"provider"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// PostgresFromEnv builds connection settings from the conventional
// DATABASE_URL / POSTGRES_* environment variables, for callers running
// without a config file (migrations, ad-hoc scripts).
func PostgresFromEnv() PostgresConfig {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return PostgresConfig{URL: url}
	}
	return PostgresConfig{
		Host:     envDefault("POSTGRES_HOST", "localhost"),
		Port:     envDefault("POSTGRES_PORT", "5432"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		DBName:   os.Getenv("POSTGRES_DB"),
		SSLMode:  envDefault("POSTGRES_SSLMODE", "disable"),
	}
}

func envDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	Backend             string        `mapstructure:"backend"` // pg | remote
	Namespace           string        `mapstructure:"namespace"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	SearchTopK          int           `mapstructure:"search_top_k"`
	RemoteURL           string        `mapstructure:"remote_url"`
	RemoteToken         string        `mapstructure:"remote_token"`
	RemoteTimeout       time.Duration `mapstructure:"remote_timeout"`
}

func (v VectorConfig) Validate() error {
	switch v.Backend {
	case "", "pg":
	case "remote":
		if strings.TrimSpace(v.RemoteURL) == "" {
			return fmt.Errorf("vector.remote_url required when backend is remote")
		}
	default:
		return fmt.Errorf("vector.backend must be pg or remote, got %q", v.Backend)
	}
	return nil
}

// Normalize applies defaults for unset vector settings.
func (v VectorConfig) Normalize() VectorConfig {
	if v.Backend == "" {
		v.Backend = "pg"
	}
	if v.Namespace == "" {
		v.Namespace = "default"
	}
	if v.EmbeddingDimensions <= 0 {
		v.EmbeddingDimensions = 1536
	}
	if v.SearchTopK <= 0 {
		v.SearchTopK = 5
	}
	if v.RemoteTimeout <= 0 {
		v.RemoteTimeout = 2 * time.Minute
	}
	return v
}

// IngestionConfig controls run exclusion and retry behaviour.
type IngestionConfig struct {
	LockKey            string `mapstructure:"lock_key"`
	LockTimeoutMinutes int    `mapstructure:"lock_timeout_minutes"`
	MaxRetries         int    `mapstructure:"max_retries"`
}

// Normalize applies the documented defaults (60 minute lock, 3 retries).
func (i IngestionConfig) Normalize() IngestionConfig {
	if i.LockKey == "" {
		i.LockKey = "automated_ingestion"
	}
	if i.LockTimeoutMinutes <= 0 {
		i.LockTimeoutMinutes = 60
	}
	if i.MaxRetries <= 0 {
		i.MaxRetries = 3
	}
	return i
}

// LockTimeout returns the lock TTL as a duration.
func (i IngestionConfig) LockTimeout() time.Duration {
	return time.Duration(i.LockTimeoutMinutes) * time.Minute
}

// SourcesConfig describes where documents come from.
type SourcesConfig struct {
	Manifest ManifestSourceConfig `mapstructure:"manifest"`
	URLList  URLListSourceConfig  `mapstructure:"url_list"`
}

// ManifestSourceConfig points at a document-library manifest API.
type ManifestSourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

// URLListSourceConfig points at a page listing external URLs to scrape.
type URLListSourceConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	MinChars     int           `mapstructure:"min_chars"`
}

func (s SourcesConfig) Validate() error {
	if !s.Manifest.Enabled && !s.URLList.Enabled {
		return fmt.Errorf("at least one of sources.manifest or sources.url_list must be enabled")
	}
	if s.Manifest.Enabled && strings.TrimSpace(s.Manifest.URL) == "" {
		return fmt.Errorf("sources.manifest.url required when enabled")
	}
	if s.URLList.Enabled && strings.TrimSpace(s.URLList.URL) == "" {
		return fmt.Errorf("sources.url_list.url required when enabled")
	}
	return nil
}

// NormalizeConfig controls how raw text is cut into sections.
type NormalizeConfig struct {
	Mode            string `mapstructure:"mode"` // window | ai
	WindowChars     int    `mapstructure:"window_chars"`
	OverlapChars    int    `mapstructure:"overlap_chars"`
	MinSectionChars int    `mapstructure:"min_section_chars"`
	CompletionModel string `mapstructure:"completion_model"`
}

// Normalize applies chunker defaults.
func (n NormalizeConfig) Normalize() NormalizeConfig {
	if n.Mode == "" {
		n.Mode = "window"
	}
	if n.WindowChars <= 0 {
		n.WindowChars = 4000
	}
	if n.OverlapChars < 0 || n.OverlapChars >= n.WindowChars {
		n.OverlapChars = 400
	}
	if n.MinSectionChars <= 0 {
		n.MinSectionChars = 100
	}
	return n
}

// ProviderConfig configures the LLM provider used for embeddings and AI extraction.
type ProviderConfig struct {
	Client         string        `mapstructure:"client"` // openai
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	CompletionAPI  string        `mapstructure:"completion_api"`
	EmbeddingAPI   string        `mapstructure:"embedding_api"`
	CompletionName string        `mapstructure:"completion_model"`
	EmbeddingName  string        `mapstructure:"embedding_model"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("server.address", ":10030")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("ingestion.lock_key", "automated_ingestion")
	viper.SetDefault("ingestion.lock_timeout_minutes", 60)
	viper.SetDefault("ingestion.max_retries", 3)
	viper.SetDefault("vector.backend", "pg")
	viper.SetDefault("normalize.mode", "window")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RAGLINE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (RAGLINE_*)

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Vector = config.Vector.Normalize()
	config.Ingestion = config.Ingestion.Normalize()
	config.Normalize = config.Normalize.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Vector.Validate(); err != nil {
		panic(err)
	}
	if err := config.Sources.Validate(); err != nil {
		panic(err)
	}
	return &config
}
