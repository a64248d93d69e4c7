// Package engine drives one bonded tunnel through its lifecycle:
// registration, link and tunnel setup, the active sender and receivers,
// and a teardown that always releases every resource it acquired.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"netual/internal/bond"
	"netual/internal/config"
	"netual/internal/link"
	"netual/internal/netpath"
	"netual/internal/registrar"
	"netual/internal/tunnel"
)

var (
	ErrAllLinksLost = errors.New("engine: all links lost")
	ErrBusy         = errors.New("engine: connection attempt already in progress")
	ErrNoServer     = errors.New("engine: no server address")
)

// Registrar obtains a session id from the server.
type Registrar interface {
	Register(ctx context.Context, server string) (uint32, error)
}

// Tunnel is the device side of the engine.
type Tunnel interface {
	io.ReadWriteCloser
}

// Options wires the engine's collaborators. Every function field is
// required.
type Options struct {
	Config     *config.Config
	Registrar  Registrar
	OpenTunnel func() (Tunnel, error)
	NewLinks   func(server string) (*link.Manager, error)

	// Watcher, when set, triggers an immediate link reconciliation on path
	// changes in supervise mode.
	Watcher netpath.Watcher
	Log     logrus.FieldLogger
}

type Engine struct {
	cfg        *config.Config
	reg        Registrar
	openTunnel func() (Tunnel, error)
	newLinks   func(server string) (*link.Manager, error)
	watcher    netpath.Watcher
	log        logrus.FieldLogger

	mu        sync.Mutex
	state     State
	lastErr   error
	attempt   string
	session   Session
	cancel    context.CancelFunc
	done      chan struct{}
	tun       Tunnel
	links     *link.Manager
	sender    *bond.Sender
	window    *bond.Window
	receivers map[string]context.CancelFunc
	subs      map[chan Status]struct{}

	workers sync.WaitGroup
}

func New(o Options) *Engine {
	done := make(chan struct{})
	close(done)
	return &Engine{
		cfg:        o.Config,
		reg:        o.Registrar,
		openTunnel: o.OpenTunnel,
		newLinks:   o.NewLinks,
		watcher:    o.Watcher,
		log:        o.Log,
		done:       done,
		subs:       map[chan Status]struct{}{},
	}
}

// NewDefault wires the engine to the real registrar, TUN device and
// network paths described by cfg.
func NewDefault(cfg *config.Config, log logrus.FieldLogger) *Engine {
	enum := netpath.New(cfg)
	watcher, _ := enum.(netpath.Watcher)
	return New(Options{
		Config:    cfg,
		Registrar: registrar.Registrar{ControlPort: cfg.ControlPort, Timeout: cfg.RegisterTimeout},
		OpenTunnel: func() (Tunnel, error) {
			return tunnel.Open(tunnel.OptionsFrom(cfg))
		},
		NewLinks: func(server string) (*link.Manager, error) {
			dialer, err := link.NewDialer(cfg, server, log)
			if err != nil {
				return nil, err
			}
			return link.NewManager(enum, dialer, cfg.Links.QueueSize, log), nil
		},
		Watcher: watcher,
		Log:     log,
	})
}

// setState moves the FSM and notifies subscribers. Caller holds e.mu.
func (e *Engine) setState(to State) {
	from := e.state
	if !canTransition(from, to) {
		e.log.Errorf("invalid state transition %s -> %s", from, to)
		return
	}
	e.state = to
	e.log.WithField("attempt", e.attempt).Debugf("state %s -> %s", from, to)
	e.broadcast()
}

// Connect runs one connection attempt up to Active. It returns once the
// tunnel is up or the attempt failed; in both cases the engine is left
// either Active or back in Idle with every resource released. Cancelling
// ctx before Active aborts the attempt.
func (e *Engine) Connect(ctx context.Context, server string) error {
	if server == "" {
		server = e.cfg.Server
	}
	if server == "" {
		return ErrNoServer
	}

	attemptCtx, cancel := context.WithCancel(context.Background())
	if err := e.beginRegistering(server, cancel); err != nil {
		cancel()
		return err
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	log := e.log.WithFields(logrus.Fields{"attempt": e.Attempt(), "server": server})
	log.Infof("connecting")

	id, err := e.reg.Register(attemptCtx, server)
	if err != nil {
		return e.abort(attemptCtx, fmt.Errorf("register: %w", err))
	}
	log.Infof("registered session=%d", id)
	if err := e.beginLinksOpening(attemptCtx, id); err != nil {
		return e.abort(attemptCtx, err)
	}

	tun, err := e.openTunnel()
	if err != nil {
		return e.abort(attemptCtx, fmt.Errorf("open tunnel: %w", err))
	}
	e.mu.Lock()
	e.tun = tun
	e.mu.Unlock()

	mgr, err := e.newLinks(server)
	if err != nil {
		return e.abort(attemptCtx, err)
	}
	e.mu.Lock()
	e.links = mgr
	e.mu.Unlock()
	links, err := mgr.Open(attemptCtx)
	if err != nil {
		return e.abort(attemptCtx, err)
	}

	if err := e.activate(attemptCtx); err != nil {
		return e.abort(attemptCtx, err)
	}
	log.Infof("connected session=%d links=%d", id, len(links))
	return nil
}

func (e *Engine) beginRegistering(server string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Idle {
		return ErrBusy
	}
	e.attempt = uuid.NewString()
	e.lastErr = nil
	e.cancel = cancel
	e.done = make(chan struct{})
	e.session = Session{Server: server, DataPort: e.cfg.DataPort, ControlPort: e.cfg.ControlPort}
	e.setState(Registering)
	return nil
}

func (e *Engine) beginLinksOpening(ctx context.Context, id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	e.session.ID = id
	e.setState(LinksOpening)
	return nil
}

// activate publishes the session and starts every worker. Workers see a
// fully initialised session because they start under e.mu.
func (e *Engine) activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	log := e.log.WithFields(logrus.Fields{"attempt": e.attempt, "session": e.session.ID})
	e.window = bond.NewWindow(e.cfg.DedupWindow)
	e.sender = &bond.Sender{
		SessionID: e.session.ID,
		Tunnel:    e.tun,
		Links:     e.links,
		MTU:       e.cfg.MTU,
		Log:       log,
	}
	e.receivers = map[string]context.CancelFunc{}
	e.setState(Active)

	fatal := make(chan error, 1)
	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	sender := e.sender
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		if err := sender.Run(ctx); err != nil {
			report(err)
		}
	}()
	for _, l := range e.links.Links() {
		e.startReceiverLocked(ctx, l)
	}
	if e.cfg.Links.Supervise {
		mgr := e.links
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			if err := e.supervise(ctx, mgr); err != nil {
				report(err)
			}
		}()
	}
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		e.reportStats(ctx, log)
	}()

	go e.monitor(ctx, fatal)
	return nil
}

func (e *Engine) startReceiverLocked(ctx context.Context, l *link.Link) {
	rctx, cancel := context.WithCancel(ctx)
	e.receivers[l.Name()] = cancel
	r := &bond.Receiver{
		SessionID:    e.session.ID,
		Link:         l,
		Window:       e.window,
		Tunnel:       e.tun,
		PollInterval: e.cfg.Links.PollInterval,
		MTU:          e.cfg.MTU,
		Log:          e.log.WithFields(logrus.Fields{"attempt": e.attempt, "session": e.session.ID}),
	}
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		defer cancel()
		r.Run(rctx)
	}()
}

func (e *Engine) startReceiver(ctx context.Context, l *link.Link) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Active || ctx.Err() != nil {
		return
	}
	e.startReceiverLocked(ctx, l)
}

func (e *Engine) stopReceiver(name string) {
	e.mu.Lock()
	cancel, ok := e.receivers[name]
	delete(e.receivers, name)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// monitor owns teardown once the engine is Active.
func (e *Engine) monitor(ctx context.Context, fatal <-chan error) {
	select {
	case <-ctx.Done():
	case err := <-fatal:
		e.fail(err)
	}
	e.teardown()
}

// abort ends an attempt that never reached Active. A cancelled attempt is
// a clean stop; anything else is recorded as the failure reason.
func (e *Engine) abort(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		e.teardown()
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", context.Canceled, err)
	}
	e.fail(err)
	e.teardown()
	return err
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Registering, LinksOpening, Active:
		e.lastErr = err
		e.log.WithField("attempt", e.attempt).Errorf("attempt failed: %v", err)
		e.setState(Error)
	}
}

// teardown cancels the workers, closes the links and the tunnel, waits for
// every worker and returns to Idle. Safe with partially initialised state
// and when called more than once.
func (e *Engine) teardown() {
	e.mu.Lock()
	switch e.state {
	case Idle, Stopping:
		e.mu.Unlock()
		return
	case Error:
	default:
		e.setState(Stopping)
	}
	cancel, tun, mgr, done := e.cancel, e.tun, e.links, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mgr != nil {
		mgr.CloseAll()
	}
	if tun != nil {
		if err := tun.Close(); err != nil {
			e.log.Debugf("tunnel close: %v", err)
		}
	}
	e.workers.Wait()

	e.mu.Lock()
	e.session = Session{}
	e.tun = nil
	e.links = nil
	e.sender = nil
	e.window = nil
	e.receivers = nil
	e.cancel = nil
	attempt := e.attempt
	e.setState(Idle)
	close(done)
	e.mu.Unlock()
	e.log.WithField("attempt", attempt).Infof("disconnected")
}

// Disconnect stops the current attempt, whatever its phase, and waits
// until every resource is released.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// Done is closed when the current attempt has been torn down. It is
// already closed while Idle.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err is the failure of the last attempt, nil after a clean stop.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Attempt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		State:     upward(e.state, e.lastErr),
		Phase:     e.state.String(),
		Attempt:   e.attempt,
		SessionID: e.session.ID,
		Server:    e.session.Server,
		Links:     []LinkStatus{},
	}
	if e.lastErr != nil {
		st.Reason = e.lastErr.Error()
	}
	if e.sender != nil {
		st.Sent = e.sender.Sent()
		st.Dropped = e.sender.Dropped()
	}
	if e.links != nil {
		for _, l := range e.links.Links() {
			st.Links = append(st.Links, LinkStatus{
				Name:  l.Name(),
				Local: l.LocalAddr().String(),
				State: l.State().String(),
				Stats: l.Snapshot(),
			})
		}
	}
	return st
}

// Subscribe returns a channel receiving the latest status after every
// state change. Slow readers only see the most recent one. The channel is
// closed by the returned cancel func.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	ch <- e.statusLocked()
	e.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			close(ch)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) broadcast() {
	if len(e.subs) == 0 {
		return
	}
	st := e.statusLocked()
	for ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
