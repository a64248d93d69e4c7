package server

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"netual/internal/bond"
)

// peer is one client socket that sent us frames for a session. Replies go
// back through send.
type peer struct {
	key      string
	send     func([]byte) error
	lastSeen time.Time
	packets  uint64
}

type session struct {
	id           uint32
	window       *bond.Window
	peers        map[string]*peer
	inner        netip.Addr
	respSeq      uint32
	lastActivity time.Time

	rxPackets    uint64
	rxDuplicates uint64
	rxStale      uint64
	txPackets    uint64
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID           uint32
	Inner        netip.Addr
	Peers        int
	RxPackets    uint64
	RxDuplicates uint64
	RxStale      uint64
	TxPackets    uint64
	Idle         time.Duration
}

type sessionTable struct {
	mu         sync.Mutex
	sessions   map[uint32]*session
	windowSize int
	now        func() time.Time
}

func newSessionTable(windowSize int) *sessionTable {
	return &sessionTable{
		sessions:   make(map[uint32]*session),
		windowSize: windowSize,
		now:        time.Now,
	}
}

var errIDSpace = errors.New("server: no free session id")

// create allocates a random non-zero id not already in use.
func (t *sessionTable) create() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b [4]byte
	for i := 0; i < 64; i++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, taken := t.sessions[id]; taken {
			continue
		}
		t.sessions[id] = &session{
			id:           id,
			window:       bond.NewWindow(t.windowSize),
			peers:        make(map[string]*peer),
			lastActivity: t.now(),
		}
		return id, nil
	}
	return 0, errIDSpace
}

type ingressResult int

const (
	ingressDeliver ingressResult = iota
	ingressUnknown
	ingressDuplicate
	ingressStale
)

// ingress records a frame received from a peer and runs it through the
// session's dedup window.
func (t *sessionTable) ingress(id, seq uint32, key string, send func([]byte) error) ingressResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return ingressUnknown
	}
	now := t.now()
	p, ok := s.peers[key]
	if !ok {
		p = &peer{key: key, send: send}
		s.peers[key] = p
	}
	p.lastSeen = now
	p.packets++
	s.lastActivity = now

	switch s.window.Check(seq) {
	case bond.Duplicate:
		s.rxDuplicates++
		return ingressDuplicate
	case bond.Stale:
		s.rxStale++
		return ingressStale
	}
	s.rxPackets++
	return ingressDeliver
}

// learn remembers the client's tunnel address.
func (t *sessionTable) learn(id uint32, inner netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.inner = inner
	}
}

// delivery is one framed reply and the peers it should reach.
type delivery struct {
	sessionID uint32
	seq       uint32
	sends     []func([]byte) error
}

// route picks the sessions an egress packet goes to: the one whose tunnel
// address is dst, or every session when none matches. Each chosen session
// consumes one response sequence.
func (t *sessionTable) route(dst netip.Addr, peerTimeout time.Duration) []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	var targets []*session
	for _, s := range t.sessions {
		if s.inner.IsValid() && s.inner == dst {
			targets = []*session{s}
			break
		}
		targets = append(targets, s)
	}
	now := t.now()
	out := make([]delivery, 0, len(targets))
	for _, s := range targets {
		d := delivery{sessionID: s.id, seq: s.respSeq}
		s.respSeq++
		for _, p := range s.peers {
			if now.Sub(p.lastSeen) < peerTimeout {
				d.sends = append(d.sends, p.send)
			}
		}
		s.txPackets++
		out = append(out, d)
	}
	return out
}

// expire removes sessions idle for at least timeout and returns their ids.
func (t *sessionTable) expire(timeout time.Duration) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var gone []uint32
	for id, s := range t.sessions {
		if now.Sub(s.lastActivity) >= timeout {
			delete(t.sessions, id)
			gone = append(gone, id)
		}
	}
	return gone
}

// prunePeers forgets client sockets silent for at least timeout and
// returns how many were dropped.
func (t *sessionTable) prunePeers(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for _, s := range t.sessions {
		for key, p := range s.peers {
			if now.Sub(p.lastSeen) >= timeout {
				delete(s.peers, key)
				n++
			}
		}
	}
	return n
}

func (t *sessionTable) snapshot() []SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]SessionInfo, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, SessionInfo{
			ID:           s.id,
			Inner:        s.inner,
			Peers:        len(s.peers),
			RxPackets:    s.rxPackets,
			RxDuplicates: s.rxDuplicates,
			RxStale:      s.rxStale,
			TxPackets:    s.txPackets,
			Idle:         now.Sub(s.lastActivity),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
