package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/CADMonkey21/stratum-engine/logging"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventMinerConnected    EventKind = "miner/connected"
	EventMinerDisconnected EventKind = "miner/disconnected"
	EventMinerSubscribed   EventKind = "miner/subscribed"
)

var ErrNoHandler = errors.New("no handler registered")

// Event describes a change in a connection's lifecycle.
type Event struct {
	Kind       EventKind
	ConnID     string
	RemoteAddr string
	Miner      *MinerInfo
	Coins      []string
	Err        error
}

// SubmitRequest is what the application sees of a mining.submit.
type SubmitRequest struct {
	ConnID     string
	Coin       string
	Submission json.RawMessage
	Options    map[string]interface{}
	Miner      *MinerInfo
}

// SubmitHandler validates a submission. ctx is cancelled when the miner
// disconnects before the handler returns.
type SubmitHandler func(ctx context.Context, req SubmitRequest) (interface{}, error)

// MiningInfoProvider returns miner specific work for a coin. A nil result
// means nothing should be pushed.
type MiningInfoProvider func(ctx context.Context, coin string, miner *MinerInfo) (interface{}, error)

// MiningInfoHandler receives mining.notify payloads on the client side.
type MiningInfoHandler func(coin string, info json.RawMessage)

type listener struct {
	id int
	fn func(Event)
}

// EventBus connects the protocol engine to the application. Lifecycle events
// fan out to any number of listeners; submissions and mining info lookups go
// to a single handler each.
type EventBus struct {
	mu         sync.RWMutex
	nextID     int
	listeners  map[EventKind][]listener
	submit     SubmitHandler
	provider   MiningInfoProvider
	miningInfo []MiningInfoHandler
}

func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[EventKind][]listener)}
}

// On registers fn for kind and returns a function that removes it again.
func (b *EventBus) On(kind EventKind, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[kind] = append(b.listeners[kind], listener{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ls := b.listeners[kind]
		for i, l := range ls {
			if l.id == id {
				b.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	ls := append([]listener(nil), b.listeners[ev.Kind]...)
	b.mu.RUnlock()
	for _, l := range ls {
		safely(string(ev.Kind), func() { l.fn(ev) })
	}
}

func (b *EventBus) OnSubmitNonce(h SubmitHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submit = h
}

func (b *EventBus) OnGetMiningInfo(p MiningInfoProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provider = p
}

func (b *EventBus) OnMiningInfo(h MiningInfoHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.miningInfo = append(b.miningInfo, h)
}

func (b *EventBus) hasProvider() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.provider != nil
}

// SubmitNonce runs the submit handler. A panic in the handler is returned as
// an error.
func (b *EventBus) SubmitNonce(ctx context.Context, req SubmitRequest) (result interface{}, err error) {
	b.mu.RLock()
	h := b.submit
	b.mu.RUnlock()
	if h == nil {
		return nil, ErrNoHandler
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Stratum: submit handler panicked: %v", r)
			result, err = nil, fmt.Errorf("internal error")
		}
	}()
	return h(ctx, req)
}

func (b *EventBus) GetMiningInfo(ctx context.Context, coin string, miner *MinerInfo) (info interface{}, err error) {
	b.mu.RLock()
	p := b.provider
	b.mu.RUnlock()
	if p == nil {
		return nil, ErrNoHandler
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Stratum: mining info provider panicked: %v", r)
			info, err = nil, fmt.Errorf("internal error")
		}
	}()
	return p(ctx, coin, miner)
}

func (b *EventBus) PublishMiningInfo(coin string, info json.RawMessage) {
	b.mu.RLock()
	hs := append([]MiningInfoHandler(nil), b.miningInfo...)
	b.mu.RUnlock()
	for _, h := range hs {
		safely(MethodNotify, func() { h(coin, info) })
	}
}

func safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Stratum: %s handler panicked: %v", what, r)
		}
	}()
	fn()
}
