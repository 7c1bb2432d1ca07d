package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"warehouse-arbiter/pkg/audit"
	"warehouse-arbiter/pkg/config"
	"warehouse-arbiter/pkg/escalation"
	"warehouse-arbiter/pkg/orchestrator"
	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/worldmodel"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	world, err := openWorld(cfg)
	if err != nil {
		slog.Error("failed to open world model", "error", err)
		os.Exit(1)
	}

	sink, err := openAudit(cfg)
	if err != nil {
		slog.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer sink.Close()

	var opts orchestrator.Options
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts.Summarizer = escalation.NewLLMSummarizer(key, os.Getenv("OPENAI_MODEL"), cfg.Verbose)
	}

	arb := orchestrator.New(cfg, world, sink, opts)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/proposals", func(w http.ResponseWriter, r *http.Request) {
		var p proposals.Proposal
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid proposal body", http.StatusBadRequest)
			return
		}

		if err := arb.Submit(r.Context(), &p); err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, proposals.ErrDuplicateProposal):
				status = http.StatusConflict
			case errors.Is(err, proposals.ErrStaleProposal):
				status = http.StatusUnprocessableEntity
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"proposal_id": p.ID, "status": "accepted"})
	})

	r.Delete("/proposals/{proposalId}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "proposalId")
		producer := r.URL.Query().Get("producer")
		if err := arb.Withdraw(r.Context(), id, producer); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Producers poll their outcome channel; anything already delivered
	// here is final.
	r.Get("/outcomes/{producer}", func(w http.ResponseWriter, r *http.Request) {
		ch := arb.Outcomes(chi.URLParam(r, "producer"))
		out := []proposals.Outcome{}
		for {
			select {
			case o := <-ch:
				out = append(out, o)
			default:
				writeJSON(w, out)
				return
			}
		}
	})

	r.Get("/decisions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arb.Pending())
	})

	r.Get("/decisions/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		req, err := arb.Decision(chi.URLParam(r, "requestId"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, req)
	})

	r.Post("/decisions/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		var d escalation.Decision
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, "invalid decision body", http.StatusBadRequest)
			return
		}

		out, err := arb.Decide(r.Context(), chi.URLParam(r, "requestId"), d)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, escalation.ErrUnknownRequest) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, out)
	})

	r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
		f := audit.Filter{
			Kind:    audit.Kind(r.URL.Query().Get("kind")),
			ZoneID:  r.URL.Query().Get("zone"),
			GroupID: r.URL.Query().Get("group"),
		}
		if limit := r.URL.Query().Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			f.Limit = n
		}

		entries, err := sink.List(r.Context(), f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, arb.Metrics().Snapshot())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	go func() {
		slog.Info("arbiter listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := arb.Close(); err != nil {
		slog.Error("pipeline close error", "error", err)
	}
}

func openWorld(cfg *config.Config) (worldmodel.Store, error) {
	if cfg.Storage.WorldModelPath == "" {
		return worldmodel.NewMemoryStore(), nil
	}
	return worldmodel.NewSQLiteStore(cfg.Storage.WorldModelPath)
}

func openAudit(cfg *config.Config) (audit.Sink, error) {
	if cfg.Storage.AuditPath == "" {
		return audit.NewMemorySink(), nil
	}
	return audit.NewSQLiteSink(cfg.Storage.AuditPath)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
