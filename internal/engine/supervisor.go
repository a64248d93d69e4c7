package engine

import (
	"context"
	"errors"
	"time"

	"netual/internal/link"
	"netual/internal/netpath"
)

// supervise keeps the link set in line with the active paths. It returns
// ErrAllLinksLost when no link is left.
func (e *Engine) supervise(ctx context.Context, mgr *link.Manager) error {
	interval := e.cfg.Links.SuperviseInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var changes <-chan struct{}
	if e.watcher != nil {
		ch, err := e.watcher.Watch(ctx)
		if err != nil {
			e.log.Debugf("path watch unavailable: %v", err)
		} else {
			changes = ch
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
		}
		if err := e.reconcile(ctx, mgr); err != nil {
			return err
		}
	}
}

// reconcile removes links whose path vanished or changed address and opens
// links on new paths.
func (e *Engine) reconcile(ctx context.Context, mgr *link.Manager) error {
	paths, err := mgr.Enumerate()
	if err != nil {
		e.log.Debugf("enumerate paths: %v", err)
		return nil
	}
	want := make(map[string]netpath.Path, len(paths))
	for _, p := range paths {
		want[p.Name] = p
	}

	for _, l := range mgr.Links() {
		p, ok := want[l.Name()]
		if ok && p.LocalIP.Equal(l.Path().LocalIP) {
			continue
		}
		e.stopReceiver(l.Name())
		mgr.Remove(l.Name())
	}

	for _, p := range paths {
		if ctx.Err() != nil {
			return nil
		}
		l, err := mgr.Add(ctx, p)
		if errors.Is(err, link.ErrDuplicatePath) {
			continue
		}
		if err != nil {
			e.log.WithField("link", p.Name).Debugf("path init failed: %v", err)
			continue
		}
		e.startReceiver(ctx, l)
	}

	if ctx.Err() == nil && len(mgr.Links()) == 0 {
		return ErrAllLinksLost
	}
	return nil
}
