package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel  string `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	GenModel    string `yaml:"providerGenModel" envconfig:"PROVIDER_GENERATION_MODEL"`
	ProjectID   string `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location    string `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	Dim         int    `yaml:"providerDim" envconfig:"EMBED_DIM"`
	RerankURL   string `yaml:"rerankURL" envconfig:"RERANK_URL"`
	RerankModel string `yaml:"rerankModel" envconfig:"RERANK_MODEL"`

	StoreBackend string `yaml:"storeBackend" split_words:"true"`
	SQLitePath   string `yaml:"sqlitePath" envconfig:"SQLITE_PATH"`
	Database     string `yaml:"database" envconfig:"DB_URL"`

	DocsRoot  string `yaml:"docsRoot" split_words:"true"`
	ChunkSize int    `yaml:"chunkSize" split_words:"true"`
	Overlap   int    `yaml:"overlap"`
	BatchSize int    `yaml:"batchSize" split_words:"true"`

	LogLevel string `yaml:"logLevel" split_words:"true"`
	Port     int    `yaml:"port"`

	flags *pflag.FlagSet `ignored:"true"`
}

const envPrefix = "DOCRAG"

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env < flags.
// configPath may be ""; if so we auto-discover.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/docrag.yaml",
				"config/config.yaml",
				"./docrag.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	// Minimal sanity
	switch cfg.StoreBackend {
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return Specification{}, fmt.Errorf("DOCRAG_SQLITE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Database) == "" {
			return Specification{}, fmt.Errorf("DOCRAG_DB_URL is required for the postgres backend")
		}
	default:
		return Specification{}, fmt.Errorf("unknown store backend %q (sqlite|postgres)", cfg.StoreBackend)
	}
	if cfg.ChunkSize <= 0 || cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		return Specification{}, fmt.Errorf("invalid chunking: size=%d overlap=%d", cfg.ChunkSize, cfg.Overlap)
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// ---------- helpers ----------

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Provider (e.g., stub, openai, vertexai)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-generation-model", c.GenModel, "Provider generation model")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")

	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")

	fs.String("rerank-url", c.RerankURL, "Rerank API endpoint (empty uses the lexical stub)")
	fs.String("rerank-model", c.RerankModel, "Rerank model name")

	fs.String("store-backend", c.StoreBackend, "Vector store backend (sqlite|postgres)")
	fs.String("sqlite-path", c.SQLitePath, "Path to the SQLite database file")
	fs.String("db-url", c.Database, "Database URL (DSN)")

	fs.String("docs-root", c.DocsRoot, "Path to the document root to ingest")
	fs.Int("chunk-size", c.ChunkSize, "Chunk size in tokens")
	fs.Int("overlap", c.Overlap, "Chunk overlap in tokens")
	fs.Int("batch-size", c.BatchSize, "Embedding batch size")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-generation-model", &c.GenModel)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)

	setInt("embed-dim", &c.Dim)

	setStr("rerank-url", &c.RerankURL)
	setStr("rerank-model", &c.RerankModel)

	setStr("store-backend", &c.StoreBackend)
	setStr("sqlite-path", &c.SQLitePath)
	setStr("db-url", &c.Database)

	setStr("docs-root", &c.DocsRoot)
	setInt("chunk-size", &c.ChunkSize)
	setInt("overlap", &c.Overlap)
	setInt("batch-size", &c.BatchSize)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
}

func setDefaults(c *Specification) {
	c.LogLevel = "info"
	c.Provider = "stub"
	c.Location = "us-central1"
	c.Dim = 0
	c.StoreBackend = "sqlite"
	c.SQLitePath = "docrag.db"
	c.DocsRoot = "."
	c.ChunkSize = 512
	c.Overlap = 50
	c.BatchSize = 100
	c.Port = 8080
}
