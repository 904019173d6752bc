package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/memory"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
	"github.com/open-fiscus/fiscus/internal/runtime"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// Version is stamped by the build.
var Version = "dev"

// Run assembles a worker process and blocks until ctx is cancelled. The
// worker owns a full orchestration stack of its own: investigations arrive
// over the queue, run here, and land in the shared store.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)

	tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "fiscus-worker",
		ServiceVersion: Version,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}

	st, registry, err := runtime.InitEventRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	rdb, err := runtime.NewRedisClient(cfg)
	if err != nil {
		return err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	defer func() { _ = rdb.Close() }()

	stream := cfg.Queue.Stream
	if stream == "" {
		stream = streams.StreamInvestigations
	}
	group := cfg.Queue.Group
	if group == "" {
		group = streams.GroupWorkers
	}
	if err := streams.EnsureGroup(ctx, rdb, stream, group); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	name := cfg.Queue.Consumer
	if name == "" {
		name = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	consumer := streams.NewConsumer(rdb, registry, group, name)
	publisher := streams.NewPublisher(rdb, registry)

	provider, err := sources.New(cfg.Sources)
	if err != nil {
		return err
	}
	var episodic memory.Episodic
	if cfg.Memory.Episodic.Backend == "redis" {
		episodic = memory.NewRedisEpisodic(rdb, cfg.Memory.Episodic.TTL)
	} else {
		episodic = memory.NewEpisodic(cfg.Memory.Episodic.TTL)
	}
	semantic, err := memory.NewSemantic(cfg.Memory.Semantic.Capacity)
	if err != nil {
		return err
	}

	workers := detect.NewRegistry(cfg.Detect)
	pool := dispatch.NewPool(cfg.Workers.MaxConcurrent)
	dispatcher := dispatch.NewDispatcher(pool, cfg.Workers)
	router := investigation.NewRouter(cfg.Investigation, semantic, cfg.Memory.Semantic.SearchTopK)
	planner := investigation.NewPlanner(workers, semantic, cfg.Memory.Semantic.SearchTopK)
	orch := investigation.NewOrchestrator(cfg.Investigation, router, planner, dispatcher, provider, episodic, semantic, st)
	svc := investigation.NewService(orch, st)

	processor := NewProcessor(logger, st, svc, consumer, publisher, stream, streams.StreamResults, meter, tracer)
	err = processor.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := svc.Shutdown(shutdownCtx); serr != nil {
		logger.Printf("warn: investigations did not settle: %v", serr)
	}
	if terr := tele.Shutdown(shutdownCtx); terr != nil {
		logger.Printf("warn: telemetry shutdown: %v", terr)
	}
	return err
}
