package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"netual/internal/config"
)

// Runner keeps an engine connected, retrying failed attempts and
// unexpected drops with exponential backoff. A user stop is never retried.
type Runner struct {
	Engine *Engine
	Policy config.ReconnectConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// errStopped marks an attempt the user cancelled before it completed.
var errStopped = errors.New("engine: stopped")

// strategy is built fresh for every outage, so the attempt budget bounds
// the retries of one failing connection, not the drops of a whole run.
func (r *Runner) strategy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.Policy.InitialInterval > 0 {
		b.InitialInterval = r.Policy.InitialInterval
	}
	if r.Policy.MaxInterval > 0 {
		b.MaxInterval = r.Policy.MaxInterval
	}
	b.MaxElapsedTime = 0

	switch {
	case !r.Policy.On():
		return &backoff.StopBackOff{}
	case r.Policy.MaxAttempts > 0:
		return backoff.WithMaxRetries(b, uint64(r.Policy.MaxAttempts))
	}
	return b
}

// connect retries Connect until it succeeds or the policy gives up.
func (r *Runner) connect(ctx context.Context, server string) error {
	e := r.Engine
	op := func() error {
		err := e.Connect(ctx, server)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, context.Canceled):
			return backoff.Permanent(errStopped)
		case errors.Is(err, ErrBusy), errors.Is(err, ErrNoServer):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.log.Infof("retrying in %s: %v", wait.Round(time.Millisecond), err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(r.strategy(), ctx), notify)
}

// Run blocks until ctx ends, the user disconnects, or the retry policy
// gives up. It returns nil for the first two.
func (r *Runner) Run(ctx context.Context, server string) error {
	e := r.Engine
	for {
		err := r.connect(ctx, server)
		switch {
		case errors.Is(err, errStopped):
			return nil
		case err != nil:
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			e.Disconnect()
			return nil
		case <-e.Done():
		}
		err = e.Err()
		if err == nil {
			return nil
		}
		e.log.Warnf("connection lost: %v", err)
		if !r.Policy.On() {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.Policy.InitialInterval):
		}
	}
}

// Start runs Run in the background. It returns ErrBusy when a run is
// already in progress.
func (r *Runner) Start(ctx context.Context, server string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return ErrBusy
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	go func() {
		defer close(done)
		defer cancel()
		if err := r.Run(runCtx, server); err != nil {
			r.Engine.log.Errorf("giving up: %v", err)
		}
	}()
	return nil
}

// Stop ends a background run and disconnects the engine.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.Engine.Disconnect()
}

func (r *Runner) Status() Status { return r.Engine.Status() }

func (r *Runner) Subscribe() (<-chan Status, func()) { return r.Engine.Subscribe() }
