package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"typing-race/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 和周期任务调度器的启动和关闭逻辑
type WorkerServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	log       *logrus.Entry
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, sweeper RoomSweeper, grace time.Duration, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID := ""
				if rw := task.ResultWriter(); rw != nil {
					taskID = rw.TaskID()
				}
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID,
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
			Logger:   newAsynqLogger(logEntry),
			LogLevel: asynq.WarnLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeRoomsSweep, NewRoomsSweepHandler(sweeper, grace))

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   newAsynqLogger(logEntry),
		LogLevel: asynq.WarnLevel,
	})

	return &WorkerServer{
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		log:       logEntry,
	}
}

// RegisterPeriodicSweep 按 cron 表达式 (如 "@every 5m") 注册清理任务
func (ws *WorkerServer) RegisterPeriodicSweep(schedule string, grace time.Duration) error {
	task, err := tasks.NewRoomsSweepTask(grace)
	if err != nil {
		return fmt.Errorf("worker: failed to build sweep task: %w", err)
	}
	entryID, err := ws.scheduler.Register(schedule, task, asynq.Queue("default"))
	if err != nil {
		return fmt.Errorf("worker: could not register periodic sweep: %w", err)
	}
	ws.log.Infof("Periodic room sweep registered with schedule '%s' (EntryID: %s)", schedule, entryID)
	return nil
}

// Start 启动 Worker 和调度器，均在后台运行
func (ws *WorkerServer) Start() error {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Start(ws.mux); err != nil {
		return fmt.Errorf("worker: could not start worker server: %w", err)
	}
	if err := ws.scheduler.Start(); err != nil {
		ws.server.Shutdown()
		return fmt.Errorf("worker: could not start scheduler: %w", err)
	}
	ws.log.Info("Asynq scheduler started")
	return nil
}

// Shutdown 优雅地关闭调度器和 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.scheduler.Shutdown()
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}

// asynqLogger 把 asynq 的日志转到 logrus
type asynqLogger struct {
	entry *logrus.Entry
}

func newAsynqLogger(entry *logrus.Entry) *asynqLogger {
	return &asynqLogger{entry: entry}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *asynqLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *asynqLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *asynqLogger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }
