package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/reservation-core/internal/config"
	"github.com/iliyamo/reservation-core/internal/services"
)

// main wires the process bootstrap: load config, build the Services
// bundle (Postgres, Redis, AMQP, cron, coordinator), start the recurring
// reclaim job, and serve a single health endpoint until a shutdown
// signal arrives.
func main() {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found; using environment/defaults")
	}

	cfg := config.Load()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 15*time.Second)
	svc, err := services.New(bootCtx, cfg, log)
	cancelBoot()
	if err != nil {
		log.WithError(err).Fatal("failed to wire services")
	}

	svc.Start()

	e := echo.New()
	e.HideBanner = true
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	addr := ":" + cfg.App.Port
	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.App.Env}).Info("listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("echo shutdown failed")
	}
	svc.Close(shutdownCtx)
}
