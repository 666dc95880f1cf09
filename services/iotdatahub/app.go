package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/config"
	"github.com/iotpioneers/iotdatahub-sub004/core/csql"
	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/cache"
	"github.com/iotpioneers/iotdatahub-sub004/iot/gateway"
	"github.com/iotpioneers/iotdatahub-sub004/iot/gateway/pgstore"
	"github.com/iotpioneers/iotdatahub-sub004/iot/ingest"
	"github.com/iotpioneers/iotdatahub-sub004/iot/mqtt"
	"github.com/iotpioneers/iotdatahub-sub004/iot/realtime"
	"github.com/iotpioneers/iotdatahub-sub004/iot/registry"
	"github.com/iotpioneers/iotdatahub-sub004/iot/stream"
	"github.com/iotpioneers/iotdatahub-sub004/iot/sweep"
)

// app is the fully wired ingestion tier. It is constructed once, started
// once and stopped once.
type app struct {
	cfg      config.Config
	db       *csql.DB
	gateway  gateway.Gateway
	writer   *gateway.Writer
	registry *registry.Registry
	cache    *cache.Cache
	ingest   *ingest.Server
	realtime *realtime.Server
	sweeper  *sweep.Sweeper
	broker   *mqtt.Broker
	producer *stream.Producer

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
	log         *logrus.Entry
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		registry: registry.New(),
		cache:    cache.New(),
		log:      logger.Default(),
	}

	if err := a.openGateway(ctx); err != nil {
		return nil, err
	}
	a.writer = gateway.NewWriter(gateway.WriterBuilder{
		Gateway:    a.gateway,
		QueueSize:  cfg.PersistQueueSize,
		Workers:    cfg.PersistWorkers,
		MaxRetries: cfg.PersistMaxRetries,
	})

	a.realtime = realtime.NewServer(realtime.Builder{
		Addr:           cfg.WSAddr,
		Path:           cfg.WSPath,
		Registry:       a.registry,
		Cache:          a.cache,
		JWTSecret:      cfg.WSJWTSecret,
		AllowedOrigins: config.List(cfg.WSAllowedOrigins),
		SendQueueSize:  cfg.SendQueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		Stats:          a.stats,
	})
	publishers := iot.Publishers{a.realtime}

	if len(cfg.MQTTAddr) > 0 {
		broker, err := mqtt.NewBroker(&mqtt.Builder{
			Addr:       cfg.MQTTAddr,
			CertFile:   cfg.MQTTCertFile,
			KeyFile:    cfg.MQTTKeyFile,
			CACertFile: cfg.MQTTCACertFile,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.broker = broker
		publishers = append(publishers, broker)
	}
	if brokers := config.List(cfg.KafkaBrokers); len(brokers) > 0 {
		a.producer = stream.NewProducer(stream.Builder{
			Brokers: brokers,
			Topic:   cfg.KafkaTopic,
		})
		publishers = append(publishers, a.producer)
	}

	a.ingest = ingest.NewServer(ingest.Builder{
		Addr:          cfg.TCPAddr,
		Gateway:       a.gateway,
		Writer:        a.writer,
		Registry:      a.registry,
		Cache:         a.cache,
		Publisher:     publishers,
		IdleTimeout:   cfg.IdleTimeout,
		AuthTimeout:   cfg.AuthTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		FlushInterval: cfg.FlushInterval,
		MaxBodyLength: cfg.MaxBodyLength,
		RateLimit:     cfg.DeviceRateLimit,
		RateBurst:     cfg.DeviceRateBurst,
	})

	a.sweeper = sweep.New(sweep.Builder{
		Gateway:   a.gateway,
		Interval:  cfg.SweepInterval,
		Threshold: cfg.OfflineThreshold,
	})
	return a, nil
}

// openGateway selects Postgres when configured, the in-memory gateway
// otherwise. Static devices are provisioned into either.
func (a *app) openGateway(ctx context.Context) error {
	if len(a.cfg.Postgres) == 0 {
		memory := gateway.NewMemory()
		for _, d := range a.cfg.Devices {
			if err := memory.AddDevice(d.ID, d.Name, d.Token); err != nil {
				return fmt.Errorf("cannot add device %s: %w", d.ID, err)
			}
		}
		a.log.Infof("using in-memory gateway with %d devices", len(a.cfg.Devices))
		a.gateway = memory
		return nil
	}

	db, err := csql.OpenWithSchema(a.cfg.Postgres, a.cfg.PostgresPassword, a.cfg.PostgresSchema)
	if err != nil {
		return err
	}
	store, err := pgstore.New(pgstore.Builder{DB: db, UpdateSchema: a.cfg.PostgresUpdateSchema})
	if err != nil {
		db.Close()
		return err
	}
	for _, d := range a.cfg.Devices {
		if err := store.AddDevice(ctx, d.ID, d.Name, d.Token); err != nil {
			db.Close()
			return fmt.Errorf("cannot add device %s: %w", d.ID, err)
		}
	}
	a.db = db
	a.gateway = store
	return nil
}

// stats adds the counters of the ingestion side to GET /stats
func (a *app) stats() map[string]interface{} {
	stats := map[string]interface{}{
		"writer": a.writer.Stats(),
	}
	if a.ingest != nil {
		stats["sessions"] = a.ingest.Sessions()
	}
	if a.broker != nil {
		stats["mqttDropped"] = a.broker.Dropped()
	}
	if a.producer != nil {
		stats["streamDropped"] = a.producer.Dropped()
	}
	return stats
}

func (a *app) start(ctx context.Context) error {
	a.writer.Start()
	if a.producer != nil {
		a.producer.Start()
	}
	if a.broker != nil {
		if err := a.broker.Start(); err != nil {
			return err
		}
	}
	if err := a.realtime.Start(ctx); err != nil {
		return err
	}
	if err := a.ingest.Start(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.cancelSweep = cancel
	a.sweepDone = make(chan struct{})
	go func() {
		defer close(a.sweepDone)
		a.sweeper.Run(sweepCtx)
	}()
	return nil
}

// stop shuts down in dependency order: devices first, so that their last
// updates still reach the writer and the publishers.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.ingest.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ingestion server: %w", err))
	}
	if err := a.realtime.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("realtime server: %w", err))
	}
	if a.cancelSweep != nil {
		a.cancelSweep()
		<-a.sweepDone
	}
	if err := a.writer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persistence writer: %w", err))
	}
	if a.broker != nil {
		a.broker.Stop(ctx)
	}
	if a.producer != nil {
		if err := a.producer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stream producer: %w", err))
		}
	}
	a.close()
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
