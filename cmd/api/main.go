package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/pflag"

	"github.com/dstengel/docrag/internal/ai"
	"github.com/dstengel/docrag/internal/chunker"
	"github.com/dstengel/docrag/internal/config"
	"github.com/dstengel/docrag/internal/ingest"
	"github.com/dstengel/docrag/internal/rag"
	"github.com/dstengel/docrag/internal/rerank"
	"github.com/dstengel/docrag/internal/store"
)

type indexRequest struct {
	Text       string `json:"text"`
	SourceFile string `json:"source_file"`
	FileType   string `json:"file_type,omitempty"`
}

type queryRequest struct {
	Question      string   `json:"question"`
	Mode          string   `json:"mode,omitempty"` // plain|rag|rerank|compare|compare_rerank
	TopK          int      `json:"top_k,omitempty"`
	TopKRetrieve  int      `json:"top_k_retrieve,omitempty"`
	TopKFinal     int      `json:"top_k_final,omitempty"`
	MinSimilarity float64  `json:"min_similarity,omitempty"`
	FileType      string   `json:"file_type,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Threshold     *float64 `json:"rerank_threshold,omitempty"`
	Strict        bool     `json:"strict_citations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("docrag-api", pflag.ExitOnError)
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	logger.Info().Str("provider", cfg.Provider).Str("backend", cfg.StoreBackend).Msg("starting docrag api")

	clientConfig, err := buildClientConfig(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	client, err := ai.NewClient(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	logger.Info().Int("embedding_dim", client.Dim()).Str("embed_model", clientConfig.EmbedModel).Msg("AI client initialized")

	ctx := context.Background()
	st, err := openStore(ctx, cfg, client.Dim())
	if err != nil {
		log.Fatalf("Failed to open vector store: %v", err)
	}
	defer st.Close()

	var scorer ai.Scorer
	if cfg.RerankURL != "" {
		scorer = ai.NewRerankScorer(cfg.RerankURL, cfg.RerankModel, cfg.APIKey)
	} else {
		scorer = ai.StubScorer{}
	}

	embedder := ai.NewEmbedder(client, cfg.BatchSize)
	engine := rag.New(client, embedder, st, rerank.New(scorer))

	ck, err := chunker.New(cfg.ChunkSize, cfg.Overlap)
	if err != nil {
		log.Fatalf("Failed to create chunker: %v", err)
	}
	pipeline := ingest.New(ck, embedder, st)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	mux.HandleFunc("POST /documents", func(w http.ResponseWriter, r *http.Request) {
		var req indexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.SourceFile) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("text and source_file are required"))
			return
		}
		if req.FileType == "" {
			req.FileType = ingest.DetectFileType(req.SourceFile)
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()
		n, err := pipeline.IndexText(ctx, req.Text, req.SourceFile, req.FileType)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"source_file": req.SourceFile, "chunks": n})
	})

	mux.HandleFunc("GET /search", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		q := r.URL.Query().Get("q")
		if q == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing query parameter q"))
			return
		}
		opts := store.SearchOpts{TopK: 5, FileType: r.URL.Query().Get("file_type")}
		if v := r.URL.Query().Get("k"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				opts.TopK = n
			}
		}
		if v := r.URL.Query().Get("min_similarity"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				opts.MinSimilarity = f
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		vec := embedder.EmbedSingle(ctx, q)
		if vec == nil {
			writeError(w, http.StatusBadGateway, fmt.Errorf("embed query: %w", ai.ErrUpstream))
			return
		}
		res, err := st.Search(ctx, vec, opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if res == nil {
			writeJSON(w, http.StatusOK, []any{})
		} else {
			writeJSON(w, http.StatusOK, res)
		}
		hlog.FromRequest(r).Info().Str("q", q).Int("k", opts.TopK).Dur("dur", time.Since(start)).Msg("served search")
	})

	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		opts := rag.Options{
			TopK:          req.TopK,
			MinSimilarity: req.MinSimilarity,
			FileType:      req.FileType,
			Temperature:   req.Temperature,
			MaxTokens:     req.MaxTokens,
			Strict:        req.Strict,
		}
		ropts := rag.RerankOptions{
			Options:      opts,
			TopKRetrieve: req.TopKRetrieve,
			TopKFinal:    req.TopKFinal,
			Threshold:    req.Threshold,
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()

		var (
			out     any
			callErr error
		)
		switch req.Mode {
		case "plain":
			out, callErr = engine.QueryWithoutRAG(ctx, req.Question, opts)
		case "", "rag":
			out, callErr = engine.QueryWithRAG(ctx, req.Question, opts)
		case "rerank":
			out, callErr = engine.QueryWithReranking(ctx, req.Question, ropts)
		case "compare":
			out, callErr = engine.CompareRAG(ctx, req.Question, opts)
		case "compare_rerank":
			out, callErr = engine.CompareReranking(ctx, req.Question, ropts)
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", req.Mode))
			return
		}
		if callErr != nil {
			status := http.StatusBadGateway
			if errors.Is(callErr, rag.ErrEmptyQuestion) {
				status = http.StatusBadRequest
			}
			writeError(w, status, callErr)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		stats, err := st.Stats(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("DELETE /documents/{source}", func(w http.ResponseWriter, r *http.Request) {
		source, err := url.PathUnescape(r.PathValue("source"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		n, err := st.DeleteBySourceFile(ctx, source)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if n == 0 {
			writeError(w, http.StatusNotFound, fmt.Errorf("no chunks for source file %q", source))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"source_file": source, "deleted": n})
	})

	mux.HandleFunc("POST /reindex", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		defer cancel()
		if err := st.Reindex(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /clear", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
		defer cancel()
		if err := st.Clear(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler}
	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	log.Fatal(s.ListenAndServe())
}

func buildClientConfig(cfg config.Specification) (*ai.ClientConfig, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			GenModel:   cfg.GenModel,
			Dim:        cfg.Dim,
			Provider:   ai.ProviderOpenAI,
		}, nil
	case "vertexai", "google":
		return &ai.ClientConfig{
			APIKey:     cfg.APIKey,
			EmbedModel: cfg.EmbedModel,
			GenModel:   cfg.GenModel,
			Dim:        cfg.Dim,
			ProjectID:  cfg.ProjectID,
			Location:   cfg.Location,
			Provider:   ai.ProviderVertexAI,
		}, nil
	case "stub":
		return &ai.ClientConfig{
			Dim:      cfg.Dim,
			Provider: ai.ProviderStub,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

func openStore(ctx context.Context, cfg config.Specification, dim int) (store.Store, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath, dim)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database, dim)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
