// Command taskqueue-worker runs a worker process against the Postgres state
// and notify adapters, grounded on the teacher's deleted cmd/worker/main.go
// (env-var DSN, graceful shutdown on SIGINT/SIGTERM, slog logging).
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezkam/taskqueue"
	"github.com/rezkam/taskqueue/clock"
	"github.com/rezkam/taskqueue/events"
	"github.com/rezkam/taskqueue/internal/config"
	"github.com/rezkam/taskqueue/notifyadapter/pgnotify"
	"github.com/rezkam/taskqueue/pkg/observability"
	"github.com/rezkam/taskqueue/stateadapter/pgadapter"
	"github.com/rezkam/taskqueue/worker"
)

const serviceName = "taskqueue-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("failed to load worker config: %v", err)
	}
	obsCfg, err := config.LoadObservabilityConfig()
	if err != nil {
		log.Fatalf("failed to load observability config: %v", err)
	}

	_, logger, err := observability.InitLogger(ctx, serviceName, obsCfg.OTelEnabled)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	slog.SetDefault(logger)

	if _, err := observability.InitTracerProvider(ctx, serviceName, obsCfg.OTelEnabled); err != nil {
		slog.ErrorContext(ctx, "failed to init tracer provider", "error", err)
	}
	if _, err := observability.InitMeterProvider(ctx, serviceName, obsCfg.OTelEnabled); err != nil {
		slog.ErrorContext(ctx, "failed to init meter provider", "error", err)
	}

	pool, err := pgadapter.Connect(ctx, pgadapter.PoolConfig{
		DSN:          workerCfg.Database.DSN,
		MaxOpenConns: workerCfg.Database.MaxOpenConns,
		MaxIdleConns: workerCfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	state := pgadapter.New(pool, workerCfg.Database.DSN)
	if err := state.MigrateToLatest(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	notify := pgnotify.New(pool)
	registry := taskqueue.NewRegistry(jobTypes()...)
	client := taskqueue.NewClient(state, notify, registry, taskqueue.WithClientSink(sink()))

	w := worker.New(client, state, notify, handlers(), buildWorkerOptions(workerCfg)...)

	go serveMetrics(ctx)

	slog.InfoContext(ctx, "starting worker", "worker_id", workerCfg.WorkerID)
	w.Start(ctx)

	<-ctx.Done()
	slog.InfoContext(ctx, "shutdown signal received, draining in-flight attempts")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.Stop(stopCtx)
	slog.InfoContext(context.Background(), "worker stopped")
}

func buildWorkerOptions(cfg *config.WorkerConfig) []worker.Option {
	opts := []worker.Option{
		worker.WithSink(sink()),
		worker.WithClock(clock.Real{}),
	}
	if cfg.WorkerID != "" {
		opts = append(opts, worker.WithWorkerID(cfg.WorkerID))
	}
	if cfg.Concurrency > 0 {
		opts = append(opts, worker.WithConcurrency(cfg.Concurrency))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, worker.WithPollInterval(cfg.PollInterval))
	}
	if cfg.LeaseDuration > 0 || cfg.RenewInterval > 0 {
		def := worker.DefaultConfig()
		lease := cfg.LeaseDuration
		if lease <= 0 {
			lease = def.LeaseDuration
		}
		renew := cfg.RenewInterval
		if renew <= 0 {
			renew = def.RenewInterval
		}
		opts = append(opts, worker.WithLease(lease, renew))
	}
	return opts
}

func sink() events.Sink {
	return events.NewMetricsSink(prometheus.DefaultRegisterer, events.NewSlogSink(slog.Default()))
}

func serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":9090", Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.ErrorContext(ctx, "metrics server error", "error", err)
	}
}

// emailInput/deliveryInput are the demo job payloads: "send-email" is the
// entry type, "record-delivery" is its sole declared continuation.
type emailInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type deliveryInput struct {
	To     string `json:"to"`
	SentAt string `json:"sent_at"`
}

func jobTypes() []taskqueue.TypeDef {
	return []taskqueue.TypeDef{
		{
			Name:          "send-email",
			Kind:          taskqueue.KindEntry,
			Continuations: []string{"record-delivery"},
			ValidateInput: func(payload []byte) error {
				var in emailInput
				return json.Unmarshal(payload, &in)
			},
		},
		{
			Name: "record-delivery",
			Kind: taskqueue.KindInternal,
			ValidateInput: func(payload []byte) error {
				var in deliveryInput
				return json.Unmarshal(payload, &in)
			},
		},
	}
}

func handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"send-email": func(ctx context.Context, ac *worker.AttemptContext) error {
			var in emailInput
			if err := json.Unmarshal(ac.Job.Input, &in); err != nil {
				return err
			}
			slog.InfoContext(ctx, "sending email", "to", in.To, "subject", in.Subject)
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				payload, err := json.Marshal(deliveryInput{To: in.To, SentAt: time.Now().UTC().Format(time.RFC3339)})
				if err != nil {
					return err
				}
				_, err = cb.ContinueWith(taskqueue.ContinueParams{TypeName: "record-delivery", Input: payload})
				return err
			})
		},
		"record-delivery": func(ctx context.Context, ac *worker.AttemptContext) error {
			return ac.Complete(ctx, func(job *taskqueue.Job, cb taskqueue.CompletionCallbacks) error {
				return cb.Terminal(job.Input)
			})
		},
	}
}
