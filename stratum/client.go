package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CADMonkey21/stratum-engine/config"
	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/metrics"
	"github.com/CADMonkey21/stratum-engine/rpc"
	"github.com/CADMonkey21/stratum-engine/util"
	"github.com/CADMonkey21/stratum-engine/wire"
)

type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	}
	return "unknown"
}

var errPoolClosed = errors.New("connection closed by pool")

// Client is the miner side of the protocol. It keeps one connection to the
// pool, reconnecting after a fixed delay and resubscribing to the last
// requested coins each time.
type Client struct {
	cfg    config.ClientConfig
	addr   string
	events *EventBus
	dialer net.Dialer

	mu           sync.Mutex
	state        ClientState
	stateChanged chan struct{}
	coins        []string
	conn         *wire.Conn
	corr         *rpc.Correlator
}

func NewClient(cfg config.ClientConfig) (*Client, error) {
	addr, err := config.ParsePoolURL(cfg.PoolURL)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = config.DefaultClient().ReconnectDelay
	}
	return &Client{
		cfg:          cfg,
		addr:         addr,
		events:       NewEventBus(),
		dialer:       net.Dialer{Timeout: 10 * time.Second},
		coins:        append([]string(nil), cfg.Coins...),
		stateChanged: make(chan struct{}),
	}, nil
}

func (c *Client) Events() *EventBus { return c.events }

// OnMiningInfo registers h for every mining.notify received.
func (c *Client) OnMiningInfo(h MiningInfoHandler) { c.events.OnMiningInfo(h) }

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitForState blocks until the client reaches want or ctx is done.
func (c *Client) WaitForState(ctx context.Context, want ClientState) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.stateChanged
		c.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s ClientState) {
	if c.state == s {
		return
	}
	logging.Debugf("Stratum: Client %s -> %s", c.state, s)
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

// Run keeps the client connected until ctx is done. It only returns ctx's
// error.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connectAndServe(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warnf("Stratum: Connection to %s lost: %v, reconnecting in %s", c.addr, err, c.cfg.ReconnectDelay)

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		metrics.Reconnects.Inc()
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	c.setState(StateConnecting)
	nc, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}

	id := util.NewConnectionID()
	log := logging.WithFields(logrus.Fields{
		"conn":   util.ShortID(id),
		"remote": nc.RemoteAddr().String(),
		"role":   "client",
	})
	conn := wire.NewConn(nc, wire.ConnConfig{
		MaxLineSize:  c.cfg.MaxLineSize,
		QueueSize:    c.cfg.SendQueueSize,
		WriteTimeout: c.cfg.WriteTimeout,
	})
	corr := rpc.NewCorrelator(conn.Send)
	ka := NewKeepalive(c.cfg.KeepaliveInterval, func() error {
		ping, err := wire.NewNotification(MethodPing, nil)
		if err != nil {
			return err
		}
		return conn.Send(ping)
	}, func() {
		log.Warnf("Stratum: Pool stopped answering pings")
		conn.Close()
	})

	c.mu.Lock()
	c.conn, c.corr = conn, corr
	c.setStateLocked(StateConnected)
	coins := append([]string(nil), c.coins...)
	c.mu.Unlock()

	log.Infof("Stratum: Connected to pool %s", c.addr)
	metrics.Connections.WithLabelValues("client").Inc()
	c.events.Emit(Event{Kind: EventMinerConnected, ConnID: id, RemoteAddr: c.addr})
	ka.Start()

	if len(coins) > 0 {
		go func() {
			if err := c.subscribe(ctx, corr, coins); err != nil {
				log.Warnf("Stratum: Resubscribe to %v: %v", coins, err)
			}
		}()
	}

	var result error
loop:
	for {
		select {
		case f := <-conn.Frames():
			c.handleFrame(log, conn, corr, ka, f)
		case <-conn.Done():
			result = conn.Err()
			if result == nil {
				result = errPoolClosed
			}
			break loop
		case <-ctx.Done():
			conn.Close()
			result = ctx.Err()
			break loop
		}
	}

	ka.Stop()
	c.mu.Lock()
	c.conn, c.corr = nil, nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	corr.Close(rpc.ErrConnectionClosed)
	metrics.Connections.WithLabelValues("client").Dec()
	c.events.Emit(Event{Kind: EventMinerDisconnected, ConnID: id, RemoteAddr: c.addr, Err: result})
	return result
}

func (c *Client) handleFrame(log *logrus.Entry, conn *wire.Conn, corr *rpc.Correlator, ka *Keepalive, f wire.Frame) {
	if f.Err != nil {
		log.Warnf("Stratum: Ignoring malformed frame: %v", f.Err)
		return
	}
	msg := f.Msg
	if msg.Kind() == wire.KindResponse {
		corr.OnResponse(msg)
		return
	}

	switch msg.Method {
	case MethodNotify:
		var p NotifyParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.Coin == "" {
			log.Warnf("Stratum: Ignoring %s without coin", MethodNotify)
			return
		}
		log.Debugf("Stratum: New mining info for %s", p.Coin)
		c.events.PublishMiningInfo(p.Coin, p.MiningInfo)
	case MethodPing:
		ka.MarkAlive()
		if pong, err := wire.NewNotification(MethodPong, nil); err == nil {
			send(log, conn, pong)
		}
	case MethodPong:
		ka.MarkAlive()
	default:
		if msg.IsNotification() {
			log.Debugf("Stratum: Received unhandled notification '%s'", msg.Method)
			return
		}
		log.Warnf("Stratum: Received unhandled method '%s'", msg.Method)
		send(log, conn, wire.NewError(msg.ID, "Unknown method "+msg.Method))
	}
}

func send(log *logrus.Entry, conn *wire.Conn, m *wire.Message) {
	if err := conn.Send(m); err != nil {
		log.Debugf("Stratum: Failed to send reply: %v", err)
	}
}

// Subscribe asks the pool for mining info of coins, replacing the previous
// set. The set is remembered and sent again after every reconnect. A partial
// "Invalid coins" error is returned, but the client is subscribed to the
// accepted coins.
func (c *Client) Subscribe(ctx context.Context, coins []string) error {
	c.mu.Lock()
	c.coins = append([]string(nil), coins...)
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return rpc.ErrNotConnected
	}
	return c.subscribe(ctx, corr, coins)
}

func (c *Client) subscribe(ctx context.Context, corr *rpc.Correlator, coins []string) error {
	call, err := corr.Send(MethodSubscribe, subscribeParams(coins, c.cfg.Miner), c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	_, err = call.Wait(ctx)

	var rerr *rpc.Error
	switch {
	case err == nil:
		c.markSubscribed(corr, coins)
	case errors.As(err, &rerr):
		invalid, ok := parseInvalidCoins(rerr.Message)
		if !ok {
			break
		}
		if len(invalid) < countDistinct(coins) {
			c.markSubscribed(corr, coins)
		} else {
			// The pool replaced the old set with nothing.
			c.markUnsubscribed(corr)
		}
	}
	return err
}

func (c *Client) markSubscribed(corr *rpc.Correlator, coins []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.corr != corr {
		return
	}
	logging.Infof("Stratum: Subscribed to %v", coins)
	c.setStateLocked(StateSubscribed)
}

func (c *Client) markUnsubscribed(corr *rpc.Correlator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.corr != corr || c.state != StateSubscribed {
		return
	}
	logging.Warnf("Stratum: Pool accepted none of the requested coins")
	c.setStateLocked(StateConnected)
}

// SubmitNonce sends a submission for coin and returns the pool's opaque
// result. A rejection comes back as *rpc.Error.
func (c *Client) SubmitNonce(ctx context.Context, coin string, submission interface{}, options map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return nil, rpc.ErrNotConnected
	}
	raw, err := toRaw(submission)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = map[string]interface{}{}
	}
	call, err := corr.Send(MethodSubmit, SubmitParams{Coin: coin, Submission: raw, Options: options}, c.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func countDistinct(items []string) int {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return len(set)
}
