// Package app wires every platform and pipeline component into one
// process, mirroring the teacher's internal/app.App: a single struct New()
// builds once, Start() launches background work, Run() serves HTTP, and
// Close() releases everything in reverse order.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gorm.io/gorm"

	"github.com/forgepipe/enginecore/internal/api"
	"github.com/forgepipe/enginecore/internal/httpauth"
	"github.com/forgepipe/enginecore/internal/pipeline/admission"
	"github.com/forgepipe/enginecore/internal/pipeline/catalog"
	"github.com/forgepipe/enginecore/internal/pipeline/dispatcher"
	"github.com/forgepipe/enginecore/internal/pipeline/events"
	"github.com/forgepipe/enginecore/internal/pipeline/handlers"
	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/queue"
	"github.com/forgepipe/enginecore/internal/pipeline/retry"
	"github.com/forgepipe/enginecore/internal/pipeline/stages"
	"github.com/forgepipe/enginecore/internal/pipeline/store"
	"github.com/forgepipe/enginecore/internal/pipeline/tasks"
	"github.com/forgepipe/enginecore/internal/pipeline/temporalx"
	"github.com/forgepipe/enginecore/internal/platform/config"
	"github.com/forgepipe/enginecore/internal/platform/db"
	"github.com/forgepipe/enginecore/internal/platform/logger"
	"github.com/forgepipe/enginecore/internal/platform/observability"
)

type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    config.Config

	store     store.Store
	transport queue.Transport

	dispatcher   *dispatcher.Dispatcher
	temporalRun  *temporalx.Runner
	otelShutdown func(context.Context) error
	grpcConn     *grpc.ClientConn
	temporalConn temporalsdkclient.Client
	cancel       context.CancelFunc
}

// Store exposes the wired store.Store to operator tooling (enginectl).
func (a *App) Store() store.Store { return a.store }

// Transport exposes the wired queue.Transport to operator tooling.
func (a *App) Transport() queue.Transport { return a.transport }

func New() (*App, error) {
	log, err := logger.New("development")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading environment variables")
	cfg := config.Load(log)

	pg, err := db.NewPostgresService(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	otelShutdown := observability.Init(context.Background(), cfg, log)

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})

	st := store.NewGormStore(gdb)

	bus := events.NewRedisBus(rdb, cfg.EventsChannel, log)
	admitter := admission.NewAdmitter(gdb)
	softLock := dispatcher.NewRedisSoftLock(rdb, cfg.DispatcherSoftLockTTL)

	taskRegistry, grpcConn := wireTaskRegistry(cfg, log)
	catalogRegistry := wireCatalogRegistry()

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.BaseDelay = cfg.MessageRetryBaseDelay
	retryPolicy.MaxAttempts = cfg.DispatcherMaxAttempts

	handlerRegistry := wireHandlerRegistry(taskRegistry)

	var transport queue.Transport
	var temporalConn temporalsdkclient.Client
	var temporalRun *temporalx.Runner
	switch {
	case cfg.UseTemporal:
		tc, tcErr := temporalx.NewClient(cfg, log)
		if tcErr != nil {
			log.Sync()
			return nil, fmt.Errorf("init temporal client: %w", tcErr)
		}
		temporalConn = tc
		transport = temporalx.NewTransport(tc, cfg.TemporalTaskQueue)
		temporalRun = temporalx.NewRunner(log.With("component", "temporal-worker"), tc, cfg.TemporalTaskQueue,
			transport, st, bus, catalogRegistry, admitter, retryPolicy, handlerRegistry)
	case cfg.UseRedisQueue:
		transport = queue.NewRedisTransport(rdb, "enginecore:queue")
	default:
		transport = queue.NewPostgresTransport(gdb, "engine", cfg.DispatcherSoftLockTTL)
	}

	d := &dispatcher.Dispatcher{
		Transport:    transport,
		Store:        st,
		Events:       bus,
		Catalog:      catalogRegistry,
		Admission:    admitter,
		Lock:         softLock,
		Retry:        retryPolicy,
		Registry:     handlerRegistry,
		Log:          log.With("component", "dispatcher"),
		Workers:      cfg.DispatcherWorkers,
		PollInterval: cfg.DispatcherPollInterval,
	}

	authMiddleware := httpauth.New(log, cfg.JWTKey)
	executionHandler := api.NewExecutionHandler(st, transport, log)
	router := api.NewRouter(api.RouterConfig{ExecutionHandler: executionHandler, Auth: authMiddleware})

	return &App{
		Log:          log,
		DB:           gdb,
		Router:       router,
		Cfg:          cfg,
		store:        st,
		transport:    transport,
		dispatcher:   d,
		temporalRun:  temporalRun,
		otelShutdown: otelShutdown,
		grpcConn:     grpcConn,
		temporalConn: temporalConn,
	}, nil
}

// wireTaskRegistry registers every ImplementingType this engine ships with.
// The deploy.deploy step is the one with a real external side effect: when
// DEPLOY_GRPC_TARGET is configured it is backed by RemoteTask against that
// peer, otherwise a local no-op implementation stands in so the rolling
// push still exercises the REDIRECT loop end to end without an external
// dependency.
func wireTaskRegistry(cfg config.Config, log *logger.Logger) (*tasks.Registry, *grpc.ClientConn) {
	reg := tasks.NewRegistry()
	reg.Register("script.generic", tasks.ScriptTask{})
	reg.Register("manualJudgment.await", tasks.ManualJudgmentTask{PollInterval: 15 * time.Second})

	reg.Register("deploy.bootstrap", tasks.DeployBootstrapTask{})
	reg.Register("deploy.determineTarget", tasks.DeployDetermineTargetTask{})
	reg.Register("deploy.disable", tasks.DeployDisableTask{})
	reg.Register("deploy.enable", tasks.DeployEnableTask{})

	var conn *grpc.ClientConn
	if cfg.DeployGRPCTarget != "" {
		c, err := grpc.NewClient(cfg.DeployGRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Warn("deploy grpc target dial failed, falling back to local deploy task", "error", err)
			reg.Register("deploy.deploy", tasks.DeployDeployTask{})
		} else {
			conn = c
			reg.Register("deploy.deploy", tasks.NewRemoteTask(conn, "/enginecore.deploy.v1.DeployService/Deploy", cfg.RemoteTaskTimeout, nil))
		}
	} else {
		reg.Register("deploy.deploy", tasks.DeployDeployTask{})
	}

	return reg, conn
}

func wireCatalogRegistry() *catalog.Registry {
	reg := catalog.NewRegistry()
	reg.Register("script", stages.ScriptBuilder{ImplementingType: "script.generic"})
	reg.Register("deploy", stages.DeployBuilder{})
	reg.Register("manualJudgment", stages.ManualJudgmentBuilder{})
	return reg
}

func wireHandlerRegistry(taskRegistry *tasks.Registry) *dispatcher.Registry {
	th := &handlers.TaskHandlers{Tasks: taskRegistry}
	reg := dispatcher.NewRegistry()

	reg.Register(messages.KindStartExecution, handlers.StartExecution)
	reg.Register(messages.KindCompleteExecution, handlers.CompleteExecution)
	reg.Register(messages.KindCancelExecution, handlers.CancelExecution)
	reg.Register(messages.KindResumeExecution, handlers.ResumeExecution)
	reg.Register(messages.KindRescheduleExecution, handlers.RescheduleExecution)
	reg.Register(messages.KindStartWaitingExecutions, handlers.StartWaitingExecutions)
	reg.Register(messages.KindInvalidExecution, handlers.InvalidExecution)

	reg.Register(messages.KindStartStage, handlers.StartStage)
	reg.Register(messages.KindCompleteStage, handlers.CompleteStage)
	reg.Register(messages.KindSkipStage, handlers.SkipStage)
	reg.Register(messages.KindAbortStage, handlers.AbortStage)
	reg.Register(messages.KindCancelStage, handlers.CancelStage)
	reg.Register(messages.KindRestartStage, handlers.RestartStage)
	reg.Register(messages.KindPauseStage, handlers.PauseStage)
	reg.Register(messages.KindResumeStage, handlers.ResumeStage)
	reg.Register(messages.KindContinueParentStage, handlers.ContinueParentStage)
	reg.Register(messages.KindInvalidStage, handlers.InvalidStage)

	reg.Register(messages.KindStartTask, th.StartTask)
	reg.Register(messages.KindRunTask, th.RunTask)
	reg.Register(messages.KindCompleteTask, th.CompleteTask)
	reg.Register(messages.KindPauseTask, th.PauseTask)
	reg.Register(messages.KindResumeTask, th.ResumeTask)
	reg.Register(messages.KindInvalidTask, th.InvalidTask)

	return reg
}

// Start launches the dispatcher's worker pool in the background; Run still
// needs to be called to serve HTTP.
func (a *App) Start(runWorker bool) {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if !runWorker {
		return
	}
	if a.temporalRun != nil {
		if err := a.temporalRun.Start(ctx); err != nil {
			a.Log.Error("temporal worker failed to start", "error", err)
		}
		return
	}
	go func() {
		if err := a.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error("dispatcher exited", "error", err)
		}
	}()
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.temporalRun != nil {
		a.temporalRun.Stop()
	}
	if a.temporalConn != nil {
		a.temporalConn.Close()
	}
	if a.grpcConn != nil {
		_ = a.grpcConn.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
