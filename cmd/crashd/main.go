package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"crashd/internal/config"
	"crashd/internal/server"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_LEVEL") == "debug" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Load()

	srv := server.New(cfg)
	srv.RegisterFiberRoutes()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logrus.WithField("addr", addr).Info("listening")
		if err := srv.Listen(addr); err != nil {
			logrus.WithError(err).Fatal("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Shutdown(); err != nil {
		logrus.WithError(err).Error("shutdown error")
	}
	if err := srv.App.Shutdown(); err != nil {
		logrus.WithError(err).Error("fiber shutdown error")
	}
}
