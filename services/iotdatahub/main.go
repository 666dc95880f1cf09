// iotdatahub is the ingestion tier for IoT devices: a TCP server for the
// binary device protocol and a WebSocket server for live dashboards.
//
// use TCP_ADDR=":8442" WS_ADDR=":8080" and optionally
// POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// POSTGRES_PASSWORD="docker"
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotpioneers/iotdatahub-sub004/core/config"
	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
)

func main() {
	configFile := flag.String("config", os.Getenv("IOTDATAHUB_CONFIG"), "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Default().WithError(err).Fatalln("invalid configuration")
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))
	rlog := logger.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		rlog.WithError(err).Fatalln("cannot set up iotdatahub")
	}
	if err := a.start(ctx); err != nil {
		a.stop(context.Background())
		rlog.WithError(err).Fatalln("cannot start iotdatahub")
	}
	rlog.Infoln("iotdatahub started")

	<-ctx.Done()
	rlog.Infoln("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.stop(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("unclean shutdown")
	}
	rlog.Infoln("iotdatahub stopped")
}
