package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivrit-ai/crowd-recital/config"
	"github.com/ivrit-ai/crowd-recital/logger"
)

// Start wires the application, starts the finalization job and serves the
// API until SIGINT or SIGTERM.
func Start(cfg *config.Config) error {
	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Manager.ScheduleSessionFinalizationJob(true)

	handler := NewAPIHandler(app.Manager, app.Stats, app.Tokens)

	// 设置服务器超时
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      NewRouter(handler),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("服务器启动", logger.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 等待中断信号
	select {
	case <-stop:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}
	logger.Info("正在关闭服务器...")

	// 创建一个5秒超时的上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭", logger.ErrorField(err))
		return err
	}

	logger.Info("服务器已停止")
	return nil
}
