package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/metrics"
	"github.com/CADMonkey21/stratum-engine/wire"
)

var (
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
)

// recentlySettled bounds how many finished ids are remembered to tell a late
// response apart from one that was never ours.
const recentlySettled = 1024

// Error is an error message returned by the remote side.
type Error struct {
	Method  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Call is an outstanding request. It settles exactly once.
type Call struct {
	ID       string
	Method   string
	IssuedAt time.Time

	corr  *Correlator
	done  chan outcome
	timer *time.Timer
}

// Wait blocks until the call settles. Giving up through ctx removes the call,
// so a late response is discarded as stale.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	var o outcome
	select {
	case o = <-c.done:
	case <-ctx.Done():
		c.corr.settle(c.ID, outcome{err: ctx.Err()})
		o = <-c.done
	}
	c.done <- o
	return o.result, o.err
}

// Correlator matches responses to the requests sent on one connection.
type Correlator struct {
	send func(*wire.Message) error

	mu      sync.Mutex
	pending map[string]*Call
	recent  *lru.Cache[string, struct{}]
	closed  bool
}

func NewCorrelator(send func(*wire.Message) error) *Correlator {
	recent, _ := lru.New[string, struct{}](recentlySettled)
	return &Correlator{
		send:    send,
		pending: make(map[string]*Call),
		recent:  recent,
	}
}

// Send registers a call under a fresh id and writes the request. A timeout of
// zero means the call waits until a response arrives or the connection closes.
func (c *Correlator) Send(method string, params interface{}, timeout time.Duration) (*Call, error) {
	id := uuid.NewString()
	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	call := &Call{
		ID:       req.IDKey(),
		Method:   method,
		IssuedAt: time.Now(),
		corr:     c,
		done:     make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[call.ID] = call
	if timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			c.settle(call.ID, outcome{err: fmt.Errorf("%s: %w", method, ErrTimeout)})
		})
	}
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.settle(call.ID, outcome{err: err})
		return nil, err
	}
	return call, nil
}

// Cancel drops a call the caller is no longer waiting for.
func (c *Correlator) Cancel(call *Call, err error) {
	c.settle(call.ID, outcome{err: err})
}

// OnResponse settles the call matching resp. It returns false when no call is
// outstanding under that id; such responses are dropped.
func (c *Correlator) OnResponse(resp *wire.Message) bool {
	key := resp.IDKey()
	c.mu.Lock()
	call, ok := c.pending[key]
	_, stale := c.recent.Peek(key)
	c.mu.Unlock()

	if !ok {
		reason := "unknown"
		if stale {
			reason = "stale"
		}
		metrics.DiscardedResponses.WithLabelValues(reason).Inc()
		logging.Debugf("RPC: discarding %s response with id %s", reason, key)
		return false
	}

	o := outcome{result: resp.Result}
	if resp.HasError {
		o = outcome{err: &Error{Method: call.Method, Message: resp.Error}}
	}
	return c.settle(key, o)
}

// Close rejects every outstanding call and refuses new ones.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.settle(id, outcome{err: err})
	}
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes the call and delivers o. Only the first settle for an id
// has any effect.
func (c *Correlator) settle(id string, o outcome) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.recent.Add(id, struct{}{})
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if call.timer != nil {
		call.timer.Stop()
	}
	label := "ok"
	if o.err != nil {
		label = "error"
	}
	metrics.RequestDuration.WithLabelValues(call.Method, label).Observe(time.Since(call.IssuedAt).Seconds())
	call.done <- o
	return true
}
