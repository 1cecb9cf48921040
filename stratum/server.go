package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/CADMonkey21/stratum-engine/config"
	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/metrics"
	"github.com/CADMonkey21/stratum-engine/util"
	"github.com/CADMonkey21/stratum-engine/wire"
)

var (
	ErrServerClosed     = errors.New("stratum: server closed")
	errKeepaliveTimeout = errors.New("keepalive timeout")
)

// Server accepts miner connections, routes mining info to subscribers and
// hands submissions to the application.
type Server struct {
	cfg    config.ServerConfig
	router *Router
	events *EventBus

	mu        sync.Mutex
	sessions  map[string]*session
	listeners map[net.Listener]struct{}
	closed    bool
}

func NewServer(cfg config.ServerConfig) *Server {
	s := &Server{
		cfg:       cfg,
		router:    NewRouter(),
		events:    NewEventBus(),
		sessions:  make(map[string]*session),
		listeners: make(map[net.Listener]struct{}),
	}
	for _, coin := range cfg.Coins {
		s.router.AddCoin(coin)
	}
	return s
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) Events() *EventBus { return s.events }

// OnSubmitNonce registers the handler that validates submissions. Without
// one every mining.submit is refused.
func (s *Server) OnSubmitNonce(h SubmitHandler) { s.events.OnSubmitNonce(h) }

// OnGetMiningInfo registers a provider asked for miner specific work when a
// miner subscribes. It takes the place of the stored mining info.
func (s *Server) OnGetMiningInfo(p MiningInfoProvider) { s.events.OnGetMiningInfo(p) }

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// UpdateMiningInfo stores info as the current work for coin and pushes it to
// every miner subscribed to the coin.
func (s *Server) UpdateMiningInfo(coin string, info interface{}) (int, error) {
	raw, err := toRaw(info)
	if err != nil {
		return 0, err
	}
	n := s.router.UpdateMiningInfo(coin, raw)
	logging.Noticef("Stratum: New mining info for %s sent to %d miners", coin, n)
	return n, nil
}

// UpdateMiningInfoForMiner pushes info only to the connections of minerID
// ("<host>/<minerName>") subscribed to coin.
func (s *Server) UpdateMiningInfoForMiner(coin, minerID string, info interface{}) (int, error) {
	raw, err := toRaw(info)
	if err != nil {
		return 0, err
	}
	n := s.router.UpdateMiningInfoFor(coin, minerID, raw)
	logging.Debugf("Stratum: Mining info for %s sent to %d connections of %s", coin, n, minerID)
	return n, nil
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("stratum: failed to start listener on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until the server is closed. With
// ProxyProtocol set, l is wrapped so peers are seen with the address the
// load balancer reports.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: 10 * time.Second}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
		l.Close()
	}()

	logging.Infof("Stratum: Listening for miners on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logging.Warnf("Stratum: Failed to accept new connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs a miner session on an already established connection and
// returns when it ends. It returns false without serving, and closes conn,
// when the server is closed or already at MaxConnections.
func (s *Server) ServeConn(conn net.Conn) bool {
	// A proxyproto conn reads the header here, so do it outside the lock.
	remote := conn.RemoteAddr()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	if limit := s.cfg.MaxConnections; limit > 0 && len(s.sessions) >= limit {
		s.mu.Unlock()
		logging.Warnf("Stratum: Rejecting %s, already serving %d miners", remote, limit)
		conn.Close()
		return false
	}
	sess := s.newSession(conn, remote)
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.run()
	return true
}

// Close stops all listeners and disconnects every miner.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ls := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	for _, sess := range sessions {
		sess.conn.Close()
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) connConfig() wire.ConnConfig {
	return wire.ConnConfig{
		MaxLineSize:  s.cfg.MaxLineSize,
		QueueSize:    s.cfg.SendQueueSize,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

// session is the server side of one miner connection.
type session struct {
	id        string
	server    *Server
	conn      *wire.Conn
	host      string
	log       *logrus.Entry
	keepalive *Keepalive

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	miner  *MinerInfo
	reason error
}

func (s *Server) newSession(conn net.Conn, remote net.Addr) *session {
	id := util.NewConnectionID()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     id,
		server: s,
		conn:   wire.NewConn(conn, s.connConfig()),
		host:   util.RemoteHost(remote),
		ctx:    ctx,
		cancel: cancel,
		log: logging.WithFields(logrus.Fields{
			"conn":   util.ShortID(id),
			"remote": remote.String(),
			"role":   "server",
		}),
	}
	sess.keepalive = NewKeepalive(s.cfg.KeepaliveInterval, sess.ping, func() {
		sess.closeWith(errKeepaliveTimeout)
	})
	return sess
}

func (ss *session) ID() string { return ss.id }

func (ss *session) MinerID() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.miner == nil {
		return minerID(ss.host, nil)
	}
	return ss.miner.ID
}

func (ss *session) Notify(coin string, info json.RawMessage) error {
	msg, err := wire.NewNotification(MethodNotify, NotifyParams{Coin: coin, MiningInfo: info})
	if err != nil {
		return err
	}
	return ss.conn.Send(msg)
}

func (ss *session) ping() error {
	msg, err := wire.NewNotification(MethodPing, nil)
	if err != nil {
		return err
	}
	return ss.conn.Send(msg)
}

func (ss *session) closeWith(reason error) {
	ss.mu.Lock()
	if ss.reason == nil {
		ss.reason = reason
	}
	ss.mu.Unlock()
	ss.log.Warnf("Stratum: Closing connection: %v", reason)
	ss.conn.Close()
}

func (ss *session) run() {
	ss.log.Infof("Stratum: New miner connection")
	metrics.Connections.WithLabelValues("server").Inc()
	ss.server.events.Emit(Event{Kind: EventMinerConnected, ConnID: ss.id, RemoteAddr: ss.host})
	ss.keepalive.Start()
	defer ss.teardown()

	for {
		select {
		case f := <-ss.conn.Frames():
			ss.handleFrame(f)
		case <-ss.conn.Done():
			return
		}
	}
}

func (ss *session) teardown() {
	ss.keepalive.Stop()
	ss.cancel()
	ss.conn.Close()
	ss.server.router.UnsubscribeAll(ss)
	ss.server.removeSession(ss.id)
	metrics.Connections.WithLabelValues("server").Dec()

	ss.mu.Lock()
	reason, miner := ss.reason, ss.miner
	ss.mu.Unlock()
	if reason == nil {
		reason = ss.conn.Err()
	}
	ss.server.events.Emit(Event{
		Kind:       EventMinerDisconnected,
		ConnID:     ss.id,
		RemoteAddr: ss.host,
		Miner:      miner,
		Err:        reason,
	})
	ss.log.Infof("Stratum: Miner disconnected.")
}

func (ss *session) handleFrame(f wire.Frame) {
	if f.Err != nil {
		ss.log.Warnf("Stratum: Ignoring malformed frame: %v", f.Err)
		return
	}
	msg := f.Msg
	if msg.Kind() == wire.KindResponse {
		ss.log.Debugf("Stratum: Discarding response with id %s", msg.IDKey())
		return
	}

	switch msg.Method {
	case MethodSubscribe:
		ss.handleSubscribe(msg)
	case MethodSubmit:
		ss.handleSubmit(msg)
	case MethodPing:
		ss.keepalive.MarkAlive()
		if pong, err := wire.NewNotification(MethodPong, nil); err == nil {
			ss.reply(pong)
		}
	case MethodPong:
		ss.keepalive.MarkAlive()
	case MethodNotify:
		ss.log.Debugf("Stratum: Discarding %s from miner", MethodNotify)
	default:
		if msg.IsNotification() {
			ss.log.Debugf("Stratum: Received unhandled notification '%s'", msg.Method)
			return
		}
		ss.log.Warnf("Stratum: Received unhandled method '%s'", msg.Method)
		ss.reply(wire.NewError(msg.ID, "Unknown method "+msg.Method))
	}
}

func (ss *session) reply(m *wire.Message) {
	send(ss.log, ss.conn, m)
}

func (ss *session) replyResult(id json.RawMessage, result interface{}) {
	m, err := wire.NewResult(id, result)
	if err != nil {
		ss.log.Warnf("Stratum: Unencodable result: %v", err)
		m = wire.NewError(id, "internal error")
	}
	ss.reply(m)
}

func (ss *session) handleSubscribe(msg *wire.Message) {
	coins, options, err := parseSubscribeParams(msg.Params)
	if err != nil {
		ss.log.Warnf("Stratum: Failed to parse subscribe params: %v", err)
		ss.reply(wire.NewError(msg.ID, errInvalidSubscription))
		return
	}

	miner := &MinerInfo{ID: minerID(ss.host, options), Options: options}
	ss.mu.Lock()
	ss.miner = miner
	ss.mu.Unlock()

	events := ss.server.events
	provided := events.hasProvider()
	valid := ss.server.router.Subscribe(ss, coins, func(invalid []string) {
		if len(invalid) > 0 {
			ss.reply(wire.NewError(msg.ID, invalidCoinsError(invalid)))
			return
		}
		ss.replyResult(msg.ID, true)
	}, !provided)

	ss.log.Infof("Stratum: Miner %s subscribed to %v", miner.ID, valid)
	events.Emit(Event{
		Kind:       EventMinerSubscribed,
		ConnID:     ss.id,
		RemoteAddr: ss.host,
		Miner:      miner,
		Coins:      valid,
	})

	if provided && len(valid) > 0 {
		go ss.pushProvided(valid, miner)
	}
}

// pushProvided asks the application for miner specific work for each coin
// and pushes whatever it returns.
func (ss *session) pushProvided(coins []string, miner *MinerInfo) {
	for _, coin := range coins {
		info, err := ss.server.events.GetMiningInfo(ss.ctx, coin, miner)
		if err != nil {
			ss.log.Warnf("Stratum: Could not get mining info for %s: %v", coin, err)
			continue
		}
		if info == nil {
			continue
		}
		raw, err := toRaw(info)
		if err != nil {
			ss.log.Warnf("Stratum: Unencodable mining info for %s: %v", coin, err)
			continue
		}
		if err := ss.Notify(coin, raw); err != nil {
			return
		}
	}
}

func (ss *session) handleSubmit(msg *wire.Message) {
	params := gjson.ParseBytes(msg.Params)
	if !params.IsObject() ||
		params.Get("coin").Type != gjson.String ||
		!params.Get("submission").Exists() ||
		!params.Get("options").IsObject() {
		ss.log.Warnf("Stratum: Failed to parse submit params")
		metrics.Submissions.WithLabelValues("invalid").Inc()
		ss.reply(wire.NewError(msg.ID, errInvalidSubmission))
		return
	}
	var p SubmitParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		metrics.Submissions.WithLabelValues("invalid").Inc()
		ss.reply(wire.NewError(msg.ID, errInvalidSubmission))
		return
	}
	if p.Options == nil {
		p.Options = make(map[string]interface{})
	}
	p.Options[RemoteAddressOption] = ss.host

	ss.mu.Lock()
	miner := ss.miner
	ss.mu.Unlock()

	req := SubmitRequest{
		ConnID:     ss.id,
		Coin:       p.Coin,
		Submission: p.Submission,
		Options:    p.Options,
		Miner:      miner,
	}
	ss.log.Debugf("Stratum: Received %s for %s", MethodSubmit, p.Coin)

	go func(id json.RawMessage) {
		result, err := ss.server.events.SubmitNonce(ss.ctx, req)
		switch {
		case errors.Is(err, ErrNoHandler):
			metrics.Submissions.WithLabelValues("unhandled").Inc()
			ss.reply(wire.NewError(id, errNoSubmitHandler))
		case err != nil:
			metrics.Submissions.WithLabelValues("rejected").Inc()
			ss.reply(wire.NewError(id, err.Error()))
		default:
			metrics.Submissions.WithLabelValues("accepted").Inc()
			ss.replyResult(id, result)
		}
	}(msg.ID)
}

// toRaw turns an application value into the JSON carried on the wire.
func toRaw(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return raw, nil
	}
	return json.Marshal(v)
}
