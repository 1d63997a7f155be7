package main

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/dstengel/docrag/internal/ai"
	"github.com/dstengel/docrag/internal/chunker"
	"github.com/dstengel/docrag/internal/config"
	"github.com/dstengel/docrag/internal/ingest"
	"github.com/dstengel/docrag/internal/store"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("docrag-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	provider := strings.ToLower(cfg.Provider)
	log.Printf("using provider: %s", provider)
	var clientConfig *ai.ClientConfig
	switch provider {
	case "openai":
		clientConfig = &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			GenModel:   cfg.GenModel,
			Dim:        cfg.Dim,
			Provider:   ai.ProviderOpenAI,
		}
	case "vertexai":
		clientConfig = &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			GenModel:   cfg.GenModel,
			Dim:        cfg.Dim,
			ProjectID:  cfg.ProjectID,
			Location:   cfg.Location,
			Provider:   ai.ProviderVertexAI,
		}
	case "stub":
		clientConfig = &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderStub,
		}
	default:
		log.Fatalf("unsupported provider: %s", provider)
	}

	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatal(err)
	}
	if client.Dim() == 0 {
		log.Fatal("embedding dimension must be set")
	}

	ctx := context.Background()

	var st store.Store
	switch cfg.StoreBackend {
	case "sqlite":
		st, err = store.NewSQLiteStore(cfg.SQLitePath, client.Dim())
	case "postgres":
		st, err = store.NewPostgresStore(ctx, cfg.Database, client.Dim())
	default:
		log.Fatalf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	ck, err := chunker.New(cfg.ChunkSize, cfg.Overlap)
	if err != nil {
		log.Fatal(err)
	}

	pipeline := ingest.New(ck, ai.NewEmbedder(client, cfg.BatchSize), st)
	total, err := pipeline.Run(ctx, cfg.DocsRoot)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("indexed %d chunks from %s", total, cfg.DocsRoot)
}
