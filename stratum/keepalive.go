package stratum

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/CADMonkey21/stratum-engine/metrics"
)

type KeepaliveState int32

const (
	KeepaliveIdle KeepaliveState = iota
	KeepaliveProbeSent
	KeepaliveDead
)

func (s KeepaliveState) String() string {
	switch s {
	case KeepaliveIdle:
		return "idle"
	case KeepaliveProbeSent:
		return "probe-sent"
	case KeepaliveDead:
		return "dead"
	}
	return "unknown"
}

const DefaultKeepaliveInterval = 10 * time.Second

// Keepalive probes a connection with mining.ping once per interval. A peer
// that showed no sign of life (pong or ping) since the previous probe is
// declared dead and onDead is called once.
type Keepalive struct {
	interval time.Duration
	ping     func() error
	onDead   func()

	alive atomic.Bool
	state atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
}

func NewKeepalive(interval time.Duration, ping func() error, onDead func()) *Keepalive {
	k := &Keepalive{
		interval: interval,
		ping:     ping,
		onDead:   onDead,
		stop:     make(chan struct{}),
	}
	k.alive.Store(true)
	return k
}

// Start begins probing. It does nothing when the interval is zero or when
// the supervisor was already started or stopped.
func (k *Keepalive) Start() {
	if k.interval <= 0 {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped {
		return
	}
	k.started = true
	go k.loop()
}

// MarkAlive records a sign of life from the peer.
func (k *Keepalive) MarkAlive() {
	k.alive.Store(true)
	k.state.CompareAndSwap(int32(KeepaliveProbeSent), int32(KeepaliveIdle))
}

// Stop ends probing. No ping is sent and onDead is not called after Stop
// returns. Safe to call more than once and from onDead.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.stopped = true
	close(k.stop)
}

func (k *Keepalive) State() KeepaliveState {
	return KeepaliveState(k.state.Load())
}

func (k *Keepalive) loop() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !k.tick() {
				return
			}
		case <-k.stop:
			return
		}
	}
}

func (k *Keepalive) tick() bool {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return false
	}
	if !k.alive.Load() {
		k.state.Store(int32(KeepaliveDead))
		k.stopped = true
		close(k.stop)
		k.mu.Unlock()
		metrics.KeepaliveFailures.Inc()
		k.onDead()
		return false
	}
	k.alive.Store(false)
	k.state.Store(int32(KeepaliveProbeSent))
	err := k.ping()
	k.mu.Unlock()
	return err == nil
}
