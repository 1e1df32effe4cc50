package transport_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifeos-nexus/council/internal/transport"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	calls  atomic.Int32
	failOn int32
}

func (p *fakePinger) Ping(ctx context.Context) error {
	n := p.calls.Add(1)
	if p.failOn > 0 && n >= p.failOn {
		return errors.New("no pong")
	}
	return nil
}

func TestHeartbeat_StopsOnMissedPong(t *testing.T) {
	p := &fakePinger{failOn: 3}
	hb := transport.NewHeartbeat(p, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := hb.Run(ctx)
	assert.ErrorContains(t, err, "heartbeat")
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestHeartbeat_StopsOnContext(t *testing.T) {
	p := &fakePinger{}
	hb := transport.NewHeartbeat(p, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := hb.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, p.calls.Load())
}
