package stratum

import (
	"encoding/json"
	"sync"

	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/metrics"
)

// Subscriber is a connection that can receive mining.notify pushes.
type Subscriber interface {
	ID() string
	MinerID() string
	Notify(coin string, info json.RawMessage) error
}

type coinState struct {
	miningInfo  json.RawMessage
	subscribers map[Subscriber]struct{}
}

// CoinStatus is a read-only view of one coin for status pages.
type CoinStatus struct {
	Subscribers   int  `json:"subscribers"`
	HasMiningInfo bool `json:"hasMiningInfo"`
}

// Router keeps, per coin, the last mining info and the subscribed
// connections. The coin tables and each connection's coin set are only
// changed together under mu.
type Router struct {
	mu    sync.Mutex
	coins map[string]*coinState
	subs  map[Subscriber]map[string]struct{}
}

func NewRouter() *Router {
	return &Router{
		coins: make(map[string]*coinState),
		subs:  make(map[Subscriber]map[string]struct{}),
	}
}

// AddCoin makes coin known without mining info.
func (r *Router) AddCoin(coin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coinLocked(coin)
}

func (r *Router) coinLocked(coin string) *coinState {
	cs, ok := r.coins[coin]
	if !ok {
		cs = &coinState{subscribers: make(map[Subscriber]struct{})}
		r.coins[coin] = cs
		metrics.Subscribers.WithLabelValues(coin).Set(0)
	}
	return cs
}

// UpdateMiningInfo stores info for coin and pushes it to every subscriber of
// that coin. It returns the number of connections notified.
func (r *Router) UpdateMiningInfo(coin string, info json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs := r.coinLocked(coin)
	cs.miningInfo = info
	n := 0
	for sub := range cs.subscribers {
		r.notify(sub, coin, info)
		n++
	}
	return n
}

// UpdateMiningInfoFor pushes info to the subscribers of coin that belong to
// minerID. The stored mining info is left alone.
func (r *Router) UpdateMiningInfoFor(coin, minerID string, info json.RawMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.coins[coin]
	if !ok {
		return 0
	}
	n := 0
	for sub := range cs.subscribers {
		if sub.MinerID() != minerID {
			continue
		}
		r.notify(sub, coin, info)
		n++
	}
	return n
}

// Subscribe replaces the coin set of sub with coins. Unknown coins are
// reported to reply as invalid; the known ones are subscribed regardless.
// reply runs before any mining info is pushed, and when pushStored is set the
// stored info of each accepted coin follows it. The accepted coins are
// returned in request order.
func (r *Router) Subscribe(sub Subscriber, coins []string, reply func(invalid []string), pushStored bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := make(map[string]struct{}, len(coins))
	for _, c := range coins {
		requested[c] = struct{}{}
	}

	current := r.subs[sub]
	for c := range current {
		if _, keep := requested[c]; !keep {
			r.removeLocked(sub, c)
		}
	}

	var valid, invalid []string
	seen := make(map[string]struct{}, len(coins))
	for _, c := range coins {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		cs, ok := r.coins[c]
		if !ok {
			invalid = append(invalid, c)
			continue
		}
		if _, already := cs.subscribers[sub]; !already {
			cs.subscribers[sub] = struct{}{}
			if r.subs[sub] == nil {
				r.subs[sub] = make(map[string]struct{})
			}
			r.subs[sub][c] = struct{}{}
			metrics.Subscribers.WithLabelValues(c).Set(float64(len(cs.subscribers)))
		}
		valid = append(valid, c)
	}

	if reply != nil {
		reply(invalid)
	}
	if pushStored {
		for _, c := range valid {
			if info := r.coins[c].miningInfo; info != nil {
				r.notify(sub, c, info)
			}
		}
	}
	return valid
}

// UnsubscribeAll removes sub from every coin it is subscribed to.
func (r *Router) UnsubscribeAll(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.subs[sub] {
		r.removeLocked(sub, c)
	}
}

func (r *Router) removeLocked(sub Subscriber, coin string) {
	if cs, ok := r.coins[coin]; ok {
		delete(cs.subscribers, sub)
		metrics.Subscribers.WithLabelValues(coin).Set(float64(len(cs.subscribers)))
	}
	if set, ok := r.subs[sub]; ok {
		delete(set, coin)
		if len(set) == 0 {
			delete(r.subs, sub)
		}
	}
}

func (r *Router) notify(sub Subscriber, coin string, info json.RawMessage) {
	if err := sub.Notify(coin, info); err != nil {
		logging.Debugf("Stratum: could not notify %s about %s: %v", sub.ID(), coin, err)
	}
}

// Coins returns the coins sub is subscribed to, sorted.
func (r *Router) Coins(sub Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.subs[sub])
}

func (r *Router) IsSubscribed(sub Subscriber, coin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.coins[coin]
	if !ok {
		return false
	}
	_, ok = cs.subscribers[sub]
	return ok
}

func (r *Router) Subscribers(coin string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.coins[coin]; ok {
		return len(cs.subscribers)
	}
	return 0
}

func (r *Router) MiningInfo(coin string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.coins[coin]
	if !ok || cs.miningInfo == nil {
		return nil, false
	}
	return cs.miningInfo, true
}

func (r *Router) Snapshot() map[string]CoinStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CoinStatus, len(r.coins))
	for c, cs := range r.coins {
		out[c] = CoinStatus{Subscribers: len(cs.subscribers), HasMiningInfo: cs.miningInfo != nil}
	}
	return out
}
