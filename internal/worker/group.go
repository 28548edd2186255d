// Package worker supervises the orchestrator's background loops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Loop runs until ctx is cancelled. A returned error restarts it.
type Loop func(ctx context.Context) error

// Group runs named loops and restarts any that fail, backing off
// exponentially between attempts.
type Group struct {
	ctx        context.Context
	logger     *zap.Logger
	wg         sync.WaitGroup
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewGroup creates a Group bound to ctx. Cancelling ctx stops every loop.
func NewGroup(ctx context.Context, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		ctx:        ctx,
		logger:     logger,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// WithBackoff overrides the restart delays.
func (g *Group) WithBackoff(minDelay, maxDelay time.Duration) *Group {
	g.minBackoff = minDelay
	g.maxBackoff = maxDelay
	return g
}

// Go starts loop in its own goroutine.
func (g *Group) Go(name string, loop Loop) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.supervise(name, loop)
	}()
}

func (g *Group) supervise(name string, loop Loop) {
	log := g.logger.With(zap.String("loop", name))
	log.Info("loop started")
	delay := g.minBackoff
	for {
		err := run(g.ctx, loop)
		if g.ctx.Err() != nil {
			log.Info("loop stopped")
			return
		}
		if err == nil {
			err = errors.New("returned before shutdown")
		}
		log.Error("loop failed, restarting", zap.Error(err), zap.Duration("backoff", delay))
		select {
		case <-g.ctx.Done():
			log.Info("loop stopped")
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > g.maxBackoff {
			delay = g.maxBackoff
		}
	}
}

func run(ctx context.Context, loop Loop) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return loop(ctx)
}

// Wait blocks until every loop has exited or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for loops: %w", ctx.Err())
	}
}
