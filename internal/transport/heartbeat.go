package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ── Heartbeat ───────────────────────────────────────────────

// Pinger sends a protocol-level ping and waits for the pong.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Heartbeat periodically pings the extension socket. A missed pong ends
// Run with an error, which tears the connection down.
type Heartbeat struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewHeartbeat creates a heartbeat with the given interval. The pong
// deadline is half the interval, capped at 10s.
func NewHeartbeat(p Pinger, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Heartbeat{pinger: p, interval: interval, timeout: timeout}
}

// Run pings until ctx ends or a ping fails.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.beat(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	if err := h.pinger.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("timeout", h.timeout).Msg("Extension heartbeat missed")
		return fmt.Errorf("heartbeat: %w", err)
	}
	log.Debug().Dur("rtt", time.Since(start)).Msg("Extension heartbeat")
	return nil
}
