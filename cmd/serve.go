package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/model"
	"github.com/arklow-data/tender-triage/internal/monitoring"
	"github.com/arklow-data/tender-triage/internal/queue"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion webhook server",
	Long:  "Accepts tender messages over HTTP, upserts them, and enqueues them for scoring. Also starts the background health checker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		q, err := env.requireQueue()
		if err != nil {
			return err
		}

		collector := monitoring.NewCollector(env.Store, q, cfg.Queue.ScoringQueue, cfg.Queue.ReviewQueue)
		go monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring).Run(ctx)

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			if err := env.Store.Ping(r.Context()); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			snap, err := collector.Collect(r.Context())
			if err != nil {
				http.Error(w, `{"error":"metrics collection failed"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(snap)
		})

		mux.HandleFunc("POST /webhook/tender", func(w http.ResponseWriter, r *http.Request) {
			var msg model.PipelineMessage
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}
			if msg.ResourceID == 0 || msg.Title == "" {
				http.Error(w, `{"error":"resource_id and title are required"}`, http.StatusBadRequest)
				return
			}
			if msg.ProcessingStage == "" {
				msg.ProcessingStage = model.StageIngested
			}
			if !msg.ProcessingStage.Valid() {
				http.Error(w, `{"error":"unknown processing_stage"}`, http.StatusBadRequest)
				return
			}

			tender := model.TenderRecord{
				ResourceID:      msg.ResourceID,
				Title:           msg.Title,
				Authority:       msg.Authority,
				Content:         msg.Content,
				CodesCount:      msg.CodesCount,
				Value:           msg.Value,
				ProcessingStage: msg.ProcessingStage,
			}
			if err := env.Store.UpsertTender(r.Context(), &tender); err != nil {
				zap.L().Error("webhook upsert failed",
					zap.Int64("resource_id", msg.ResourceID), zap.Error(err))
				http.Error(w, `{"error":"persist failed"}`, http.StatusInternalServerError)
				return
			}

			if err := queue.SendJSON(r.Context(), q, cfg.Queue.ScoringQueue, msg); err != nil {
				zap.L().Error("webhook enqueue failed",
					zap.Int64("resource_id", msg.ResourceID), zap.Error(err))
				http.Error(w, `{"error":"enqueue failed"}`, http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{
				"status":      "accepted",
				"resource_id": msg.ResourceID,
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			// Fresh context: the signal context is already cancelled and
			// would abort the drain immediately.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
