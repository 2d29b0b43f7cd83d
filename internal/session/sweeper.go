package session

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper runs the expiry sweep on a fixed interval, independent of
// request traffic.
type Sweeper struct {
	registry       *Registry
	interval       time.Duration
	sessionTTL     time.Duration
	completedGrace time.Duration
	log            *logrus.Entry
}

// NewSweeper wires a sweeper to a registry with its timing policy.
func NewSweeper(registry *Registry, interval, sessionTTL, completedGrace time.Duration) *Sweeper {
	return &Sweeper{
		registry:       registry,
		interval:       interval,
		sessionTTL:     sessionTTL,
		completedGrace: completedGrace,
		log:            logrus.WithField("component", "session-sweeper"),
	}
}

// Run blocks, sweeping every interval until ctx is cancelled. Intended
// to be started as a goroutine from main.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.log.WithFields(logrus.Fields{
		"interval":        sw.interval.String(),
		"session_ttl":     sw.sessionTTL.String(),
		"completed_grace": sw.completedGrace.String(),
	}).Info("session sweeper started")

	for {
		select {
		case <-ctx.Done():
			sw.log.Info("session sweeper stopped")
			return
		case now := <-ticker.C:
			if n := sw.registry.SweepExpired(now, sw.sessionTTL, sw.completedGrace); n > 0 {
				sw.log.WithField("swept", n).Info("evicted expired upload sessions")
			}
		}
	}
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).WithField("path", path).Warn("failed to remove temp file")
	}
}
