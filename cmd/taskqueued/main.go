// Command taskqueued is a demonstration embedder: it wires a Store and
// a Dispatcher together, submits one sample task to show dispatch and
// observer notifications in action, and shuts down cleanly
// on SIGINT/SIGTERM. It is not part of the core library - a real
// embedder links internal/scheduler and internal/storage/sql directly
// and supplies its own task payload types.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Grunthos/TaskQueue/internal/backoff"
	"github.com/Grunthos/TaskQueue/internal/codec"
	"github.com/Grunthos/TaskQueue/internal/config"
	"github.com/Grunthos/TaskQueue/internal/domain"
	"github.com/Grunthos/TaskQueue/internal/scheduler"
	sqlstorage "github.com/Grunthos/TaskQueue/internal/storage/sql"
	"github.com/Grunthos/TaskQueue/pkg/observability"
)

// demoTask is the sample Runnable payload this binary submits. A real
// embedder registers its own payload types with the codec instead.
type demoTask struct {
	Message string `json:"message"`
}

func (t *demoTask) Run(ctx context.Context, abortRequested func() bool) (bool, error) {
	slog.InfoContext(ctx, "demo task running", slog.String("message", t.Message))
	return true, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSchedulerConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	_, logger, err := observability.InitLogger(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	slog.SetDefault(logger)

	tracerProvider, err := observability.InitTracerProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		log.Fatalf("failed to init tracer provider: %v", err)
	}
	defer tracerProvider.Shutdown(ctx)

	meterProvider, err := observability.InitMeterProvider(ctx, cfg.Observability.ServiceName, cfg.Observability.OTelEnabled)
	if err != nil {
		log.Fatalf("failed to init meter provider: %v", err)
	}
	defer meterProvider.Shutdown(ctx)

	store, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	payloadCodec := codec.NewJSON()
	payloadCodec.Register("demo", func() any { return &demoTask{} })

	retryPolicy := backoff.Policy{
		Base:          cfg.RetryBaseDelay,
		Cap:           cfg.RetryCapDelay,
		JitterPercent: uint64(cfg.RetryJitterPercent),
	}
	retryDelay := func(attempt int) time.Duration {
		d, err := retryPolicy.Delay(attempt)
		if err != nil {
			return domain.DefaultRetryDelay(attempt)
		}
		return d
	}

	dispatcher := scheduler.NewDispatcher(store, payloadCodec,
		scheduler.WithRetryPolicy(cfg.RetryLimit, retryDelay),
		scheduler.WithLogger(slog.Default()),
	)

	unregister := dispatcher.Observers().RegisterTaskListener(func(c scheduler.TaskChange) {
		slog.InfoContext(ctx, "task change", slog.Int("kind", int(c.Kind)), slog.Int64("task_id", c.TaskID))
	})
	defer dispatcher.Observers().UnregisterTaskListener(unregister)

	if err := dispatcher.RecoverQueues(ctx); err != nil {
		log.Fatalf("failed to recover queues: %v", err)
	}

	blob, err := payloadCodec.Encode("demo", &demoTask{Message: "hello from taskqueued"})
	if err != nil {
		log.Fatalf("failed to encode demo payload: %v", err)
	}
	if _, err := dispatcher.Submit(ctx, "demo", true, 0, blob); err != nil {
		log.Fatalf("failed to submit demo task: %v", err)
	}

	slog.InfoContext(ctx, "taskqueued started")
	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dispatcher.Shutdown(shutdownCtx)
}
