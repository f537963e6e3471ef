package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/coderunner/config"
	"github.com/isdmx/coderunner/logger"
	"github.com/isdmx/coderunner/mcpserver"
	"github.com/isdmx/coderunner/queue"
	"github.com/isdmx/coderunner/redisclient"
	"github.com/isdmx/coderunner/sandbox"
	"github.com/isdmx/coderunner/store"
	"github.com/isdmx/coderunner/worker"
)

// shutdownGrace is added to the sandbox timeout when draining running jobs
const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),

		// Provide dependencies
		fx.Provide(
			// Logger with configuration
			logger.NewFromConfig,

			// Container runtime based on config
			sandbox.NewRuntime,
			sandbox.NewConfig,
			newSupervisor,

			// Redis-backed queue and result store
			redisclient.New,
			newQueue,
			newPublisher,

			// Admission-controlled consumer
			worker.NewConfig,
			newConsumer,

			// MCP admin server
			newAdminServer,
		),

		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),

		// Running jobs finish within their own timeout before the app stops
		fx.StopTimeout(cfg.GetTimeout()+shutdownGrace),
	)

	// Start the application
	app.Run()
}

func newSupervisor(log *zap.Logger, runtime sandbox.Runtime, sandboxCfg *sandbox.Config) *sandbox.Supervisor {
	return sandbox.NewSupervisor(log, runtime, sandboxCfg, sandbox.RealFileSystem{})
}

func newQueue(log *zap.Logger, cfg *config.Config, client *redis.Client) *queue.RedisQueue {
	var opts []queue.Option
	if cfg.Worker.ReliableQueue {
		opts = append(opts, queue.WithReliable(cfg.Worker.ID))
	}
	return queue.NewRedisQueue(log, client, cfg.Worker.QueueKey, opts...)
}

func newPublisher(log *zap.Logger, cfg *config.Config, client *redis.Client) *store.Publisher {
	return store.NewPublisher(log, store.NewRedisStore(client), store.WithKeyPrefix(cfg.Redis.ResultKeyPrefix))
}

func newConsumer(
	log *zap.Logger,
	q *queue.RedisQueue,
	runtime sandbox.Runtime,
	supervisor *sandbox.Supervisor,
	publisher *store.Publisher,
	workerCfg worker.Config,
) *worker.Consumer {
	return worker.NewConsumer(log, q, runtime, supervisor, publisher, workerCfg)
}

func newAdminServer(
	cfg *config.Config,
	log *zap.Logger,
	consumer *worker.Consumer,
	q *queue.RedisQueue,
	publisher *store.Publisher,
) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, consumer, q, publisher)
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *zap.Logger
	Runtime    sandbox.Runtime
	Client     *redis.Client
	Consumer   *worker.Consumer
	Server     *mcpserver.MCPServer
}

func registerLifecycle(p lifecycleParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if p.Config.Sandbox.PullImage {
				if err := p.Runtime.PullImage(ctx, p.Config.Sandbox.Image); err != nil {
					p.Logger.Warn("failed to pull sandbox image, using local copy",
						zap.String("image", p.Config.Sandbox.Image), zap.Error(err))
				}
			}

			go func() {
				defer close(done)
				if err := p.Consumer.Run(runCtx); err != nil {
					p.Logger.Error("consumer stopped", zap.Error(err))
				}
			}()

			serveAdmin(p)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				p.Logger.Warn("stop deadline reached before running jobs finished")
			}

			if err := p.Server.Shutdown(ctx); err != nil {
				p.Logger.Warn("failed to stop admin server", zap.Error(err))
			}
			return p.Client.Close()
		},
	})
}

func serveAdmin(p lifecycleParams) {
	var serve func() error
	switch p.Config.Server.Transport {
	case "stdio":
		serve = p.Server.ServeStdio
	case "http":
		serve = p.Server.ServeHTTP
	default:
		return
	}

	go func() {
		if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.Logger.Error("admin server stopped", zap.Error(err))
			_ = p.Shutdowner.Shutdown()
		}
	}()
}
