// Package sweep marks devices offline whose last ping is too old
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/gateway"
)

// Builder is a builder helper for the Sweeper
type Builder struct {
	// Gateway is the device database. Mandatory.
	Gateway gateway.Gateway
	// Interval is the sweep period. Defaults to 30s.
	Interval time.Duration
	// Threshold is the last ping age after which a device is offline. Defaults to 120s.
	Threshold time.Duration
}

// Sweeper periodically marks stale devices offline. It works purely on the
// gateway and is independent of live sessions.
type Sweeper struct {
	gateway   gateway.Gateway
	interval  time.Duration
	threshold time.Duration
	log       *logrus.Entry
}

// New creates a new sweeper
func New(bb Builder) *Sweeper {
	if bb.Gateway == nil {
		panic("Gateway is missing")
	}
	if bb.Interval <= 0 {
		bb.Interval = 30 * time.Second
	}
	if bb.Threshold <= 0 {
		bb.Threshold = 120 * time.Second
	}
	return &Sweeper{
		gateway:   bb.Gateway,
		interval:  bb.Interval,
		threshold: bb.Threshold,
		log:       logger.Default().WithField("component", "sweep"),
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.WithError(err).Errorln("offline sweep failed")
			}
		}
	}
}

// SweepOnce marks every stale device offline and returns the devices it
// marked. Devices which could not be updated are retried on the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	stale, err := s.gateway.ListStaleDevices(ctx, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot list stale devices: %v", iot.ErrPersistence, err)
	}
	var marked []string
	for _, deviceID := range stale {
		if err := s.gateway.UpdateDeviceStatus(ctx, deviceID, gateway.StatusOffline, time.Time{}); err != nil {
			s.log.WithError(err).Warnf("cannot mark device %s offline", deviceID)
			continue
		}
		marked = append(marked, deviceID)
	}
	if len(marked) > 0 {
		s.log.Infof("marked %d devices offline: %v", len(marked), marked)
	}
	return marked, nil
}
