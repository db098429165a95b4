package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/eventbus"
	"github.com/llmgate/llmgate/pkg/model"
	"github.com/llmgate/llmgate/pkg/monitor"
	"github.com/llmgate/llmgate/pkg/opsserver"
	"github.com/llmgate/llmgate/pkg/queue"
	"github.com/llmgate/llmgate/pkg/ratelimit"
	"github.com/llmgate/llmgate/pkg/resource"
	"github.com/llmgate/llmgate/pkg/store/postgres"
	redisclient "github.com/llmgate/llmgate/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Optional external stores. The gateway is fully functional in-process;
	// redis mirrors events and postgres archives alerts when configured.
	var bus *eventbus.Bus
	if len(cfg.Redis.Addresses) > 0 {
		redis, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		bus = eventbus.NewBus(redis.Client())
	}

	var archive *postgres.ArchiveRepository
	if cfg.Database.Host != "" {
		db, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.AutoMigrate(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		archive = postgres.NewArchiveRepository(db.DB())
	}

	q := queue.New(queue.Config{
		MaxConcurrent:    cfg.Queue.MaxConcurrentRequests,
		MaxQueueSize:     cfg.Queue.MaxQueueSize,
		DefaultTimeout:   cfg.Queue.RequestTimeout,
		DispatchInterval: cfg.Queue.DispatchInterval,
	}, nil, logger)

	limiter := ratelimit.New(cfg.RateLimit, nil, logger)
	manager := resource.NewManager(cfg.Resource, nil, nil, logger)
	manager.SetCurrentLimit(cfg.Queue.MaxConcurrentRequests)
	mon := monitor.New(cfg.Monitor, nil, nil, logger)

	// Every settled ticket feeds the monitor's request stats and the
	// resource manager's latency average.
	q.OnCompletion(func(ev queue.CompletionEvent) {
		mon.TrackRequest(ev.Provider, ev.Duration, ev.Status == queue.StatusCompleted, nil)
		manager.TrackRequestCompletion(ev.Duration)
	})

	mon.OnAlert(func(a monitor.Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if bus != nil {
			event, err := eventbus.NewEvent("alert", eventbus.AlertEvent{
				AlertType: a.Type,
				Severity:  a.Severity,
				Message:   a.Message,
				Value:     a.Value,
				Threshold: a.Threshold,
			})
			if err == nil {
				if err := bus.Publish(ctx, eventbus.ChannelAlert, event); err != nil {
					logger.Warn("Failed to publish alert event", zap.Error(err))
				}
			}
		}
		if archive != nil {
			record := &model.AlertRecord{
				Type:       a.Type,
				Severity:   a.Severity,
				Message:    a.Message,
				Value:      a.Value,
				Threshold:  a.Threshold,
				ObservedAt: a.Timestamp,
			}
			if err := archive.SaveAlert(ctx, record); err != nil {
				logger.Warn("Failed to archive alert", zap.Error(err))
			}
		}
	})

	if archive != nil {
		mon.OnRecommendation(func(r monitor.Recommendation) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			record := &model.RecommendationRecord{
				Category:  r.Category,
				Priority:  r.Priority,
				Actions:   pq.StringArray(r.Actions),
				CreatedAt: r.CreatedAt,
			}
			if err := archive.SaveRecommendation(ctx, record); err != nil {
				logger.Warn("Failed to archive recommendation", zap.Error(err))
			}
		})
	}

	q.Start()
	limiter.Start()
	manager.Start()
	mon.Start()

	rootCtx, stop := context.WithCancel(context.Background())

	// Scale events rewrite the queue's live concurrency cap.
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case ev := <-manager.Events():
				logger.Info("Applying scale event",
					zap.String("direction", string(ev.Direction)),
					zap.Int("new_value", ev.NewValue))
				q.SetMaxConcurrent(ev.NewValue)
				if bus != nil {
					event, err := eventbus.NewEvent("scale", eventbus.ScaleEvent{
						Direction: string(ev.Direction),
						NewValue:  ev.NewValue,
						Reason:    ev.Reason,
					})
					if err == nil {
						_ = bus.Publish(rootCtx, eventbus.ChannelScale, event)
					}
				}
			}
		}
	}()

	// Periodic queue shape push keeps the resource gate and the monitor's
	// queue stats current.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				st := q.Status()
				manager.UpdateQueueStatus(st.Queued)
				mon.TrackQueue(st.Queued, st.Running, 0)
			}
		}
	}()

	// Archived rows older than the retention window are dropped hourly.
	if archive != nil {
		go func() {
			retentionDays := 7 // Configurable in future
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					cutoff := time.Now().AddDate(0, 0, -retentionDays)
					ctx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
					if err := archive.PurgeBefore(ctx, cutoff); err != nil {
						logger.Warn("Failed to purge archive", zap.Error(err))
					}
					cancel()
				}
			}
		}()
	}

	server := opsserver.NewServer(cfg, logger, q, limiter, manager, mon, archive)
	go func() {
		logger.Info("Starting ops server", zap.Int("port", cfg.Server.HTTPPort))
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	mon.Stop()
	manager.Stop()
	limiter.Stop()
	q.Stop()
}
