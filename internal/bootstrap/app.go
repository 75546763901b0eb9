package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	httpHandler "typing-race/internal/handler/http"
	wsHandler "typing-race/internal/handler/websocket"
	"typing-race/internal/hub"
	gormpersistence "typing-race/internal/infra/persistence/gorm"
	natsfanout "typing-race/internal/infra/pubsub/nats"
	redisfanout "typing-race/internal/infra/pubsub/redis"
	"typing-race/internal/infra/setup"
	redisstate "typing-race/internal/infra/state/redis"
	"typing-race/internal/service"
	"typing-race/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	SQLDB       *sql.DB
	RedisClient *redis.Client
	NATSConn    *nats.Conn
	Worker      *worker.WorkerServer
	Hub         *hub.Hub
	HttpServer  *http.Server
}

// NewApp 创建并初始化应用的所有组件
func NewApp(ctx context.Context) (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger。各包使用 logrus 的标准 logger，这里统一配置。
	log := logrus.StandardLogger()
	if cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s)", logLevel.String())

	app := &App{Config: cfg, Log: log}
	if err := app.init(ctx); err != nil {
		app.closeInfra()
		return nil, err
	}
	log.Info("Application assembled successfully")
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	// 3. 初始化基础设施
	db, err := setup.InitDB(cfg.MySQL())
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	if a.SQLDB, err = db.DB(); err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	if a.RedisClient, err = setup.InitRedis(ctx, cfg.Redis()); err != nil {
		return fmt.Errorf("failed to init Redis: %w", err)
	}

	// 4. Repositories
	userRepo := gormpersistence.NewGormUserRepository(db)
	stateRepo := redisstate.NewRedisRoomStateRepository(a.RedisClient, cfg.KeyPrefix)

	// 5. Services
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return fmt.Errorf("failed to create AuthService: %w", err)
	}
	roomService := service.NewRoomService(stateRepo)
	raceService := service.NewRaceService(roomService, service.NewCommonWordSource())

	// 6. Hub
	fanout, err := a.newFanout()
	if err != nil {
		return err
	}
	opts := hub.DefaultOptions()
	opts.StoreRetries = uint64(cfg.StoreRetries)
	a.Hub = hub.NewHub(roomService, raceService, fanout, opts)
	log.WithField("fanout", cfg.FanoutBackend).Info("Hub initialized")

	// 7. Worker
	if cfg.SweeperEnabled {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		a.Worker = worker.NewWorkerServer(redisOpt, roomService, cfg.RoomEmptyGrace, log)
		if err := a.Worker.RegisterPeriodicSweep(cfg.SweepSchedule, cfg.RoomEmptyGrace); err != nil {
			return err
		}
	}

	// 8. Router 和 HTTP Server
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(cfg, routerDeps{
		log:       log,
		auth:      httpHandler.NewAuthHandler(authService),
		rooms:     httpHandler.NewRoomHandler(roomService),
		ws:        wsHandler.NewWebSocketHandler(a.Hub, authService, cfg.CORSAllowedOrigin),
		verifier:  authService,
		rateLimit: stateRepo,
	})
	a.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *App) newFanout() (hub.Fanout, error) {
	switch a.Config.FanoutBackend {
	case FanoutRedis:
		return redisfanout.NewFanout(a.RedisClient, a.Config.KeyPrefix), nil
	case FanoutNATS:
		conn, err := setup.InitNATS(a.Config.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("failed to init NATS: %w", err)
		}
		a.NATSConn = conn
		return natsfanout.NewFanout(conn), nil
	default:
		return hub.NewLocalFanout(), nil
	}
}

// Start 启动 Hub 订阅、后台任务和 HTTP 服务器
func (a *App) Start(ctx context.Context) error {
	if err := a.Hub.Start(ctx); err != nil {
		return err
	}
	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			return err
		}
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

// Shutdown 优雅地关闭应用: 先停止接收请求，再关闭所有会话，最后释放基础设施
func (a *App) Shutdown(ctx context.Context) {
	a.Log.Info("Shutting down application...")

	// 1. HTTP 服务器。已升级的 WebSocket 连接不在其管理范围内，由 Hub 关闭。
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	}

	// 2. Hub: 关闭连接，等待会话离开流程完成，停止 Fanout
	if err := a.Hub.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down hub: %v", err)
	}

	// 3. Worker
	if a.Worker != nil {
		a.Worker.Shutdown()
	}

	a.closeInfra()
	a.Log.Info("Application shutdown complete.")
}

func (a *App) closeInfra() {
	if a.NATSConn != nil {
		if err := a.NATSConn.Drain(); err != nil {
			a.Log.Errorf("Error draining NATS connection: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	if a.SQLDB != nil {
		if err := a.SQLDB.Close(); err != nil {
			a.Log.Errorf("Error closing database connection: %v", err)
		}
	}
}
