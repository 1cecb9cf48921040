package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CADMonkey21/stratum-engine/config"
	"github.com/CADMonkey21/stratum-engine/rpc"
)

func testClientConfig(addr string, coins ...string) config.ClientConfig {
	cfg := config.DefaultClient()
	cfg.PoolURL = "stratum+tcp://" + addr
	cfg.Coins = coins
	cfg.KeepaliveInterval = 0
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func runClient(t *testing.T, cfg config.ClientConfig) (*Client, chan error) {
	t.Helper()
	client, err := NewClient(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return client, done
}

func waitState(t *testing.T, c *Client, want ClientState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForState(ctx, want), "client never reached %s", want)
}

func receiveInfo(t *testing.T, ch <-chan json.RawMessage) string {
	t.Helper()
	select {
	case info := <-ch:
		return string(info)
	case <-time.After(2 * time.Second):
		t.Fatal("no mining info received")
		return ""
	}
}

func TestClientSubscribesAndReceivesMiningInfo(t *testing.T) {
	srv, addr := startServer(t, testServerConfig())
	_, err := srv.UpdateMiningInfo("BHD", map[string]int{"height": 1})
	require.NoError(t, err)
	subscribed := make(chan Event, 1)
	srv.Events().On(EventMinerSubscribed, func(ev Event) { subscribed <- ev })

	cfg := testClientConfig(addr, "BHD")
	cfg.Miner = map[string]interface{}{"minerName": "rig-1"}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	infos := make(chan json.RawMessage, 4)
	client.OnMiningInfo(func(coin string, info json.RawMessage) {
		assert.Equal(t, "BHD", coin)
		infos <- info
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitState(t, client, StateSubscribed)
	assert.JSONEq(t, `{"height":1}`, receiveInfo(t, infos))

	ev := <-subscribed
	assert.Equal(t, "127.0.0.1/rig-1", ev.Miner.ID)

	_, err = srv.UpdateMiningInfo("BHD", map[string]int{"height": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"height":2}`, receiveInfo(t, infos))
}

func TestClientSubmitRoundTrip(t *testing.T) {
	srv, addr := startServer(t, testServerConfig())
	srv.OnSubmitNonce(func(ctx context.Context, req SubmitRequest) (interface{}, error) {
		if req.Coin != "BHD" {
			return nil, errors.New("wrong coin")
		}
		return map[string]interface{}{"accepted": true, "from": req.Options[RemoteAddressOption]}, nil
	})
	client, _ := runClient(t, testClientConfig(addr, "BHD"))
	waitState(t, client, StateSubscribed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.SubmitNonce(ctx, "BHD", map[string]string{"nonce": "42"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"accepted":true,"from":"127.0.0.1"}`, string(result))

	_, err = client.SubmitNonce(ctx, "BURST", 1, map[string]interface{}{"minerName": "rig"})
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "wrong coin", rerr.Message)
	assert.Equal(t, MethodSubmit, rerr.Method)
}

func TestClientPartialInvalidCoins(t *testing.T) {
	_, addr := startServer(t, testServerConfig())
	client, _ := runClient(t, testClientConfig(addr))
	waitState(t, client, StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Subscribe(ctx, []string{"NOPE"})
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "Invalid coins: NOPE", rerr.Message)
	assert.Equal(t, StateConnected, client.State())

	err = client.Subscribe(ctx, []string{"BHD", "NOPE"})
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "Invalid coins: NOPE", rerr.Message)
	assert.Equal(t, StateSubscribed, client.State())
}

func TestClientRejectedResubscribeDropsToConnected(t *testing.T) {
	srv, addr := startServer(t, testServerConfig())
	client, _ := runClient(t, testClientConfig(addr, "BHD"))
	waitState(t, client, StateSubscribed)
	require.Eventually(t, func() bool { return srv.Router().Subscribers("BHD") == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Subscribe(ctx, []string{"NOPE"})
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "Invalid coins: NOPE", rerr.Message)
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, 0, srv.Router().Subscribers("BHD"))
}

func TestClientAnswersPoolRequests(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	client, _ := runClient(t, testClientConfig(l.Addr().String()))

	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()
	waitState(t, client, StateConnected)
	pool := &testPeer{t: t, conn: conn, r: bufio.NewReader(conn)}

	pool.send(`{"jsonrpc":"2.0","id":null,"method":"mining.ping","params":[]}`)
	assert.Equal(t, "mining.pong", pool.next().Get("method").String())

	pool.send(`{"jsonrpc":"2.0","id":9,"method":"mining.authorize","params":[]}`)
	reply := pool.next()
	assert.Equal(t, int64(9), reply.Get("id").Int())
	assert.Equal(t, "Unknown method mining.authorize", reply.Get("error").String())

	// Unknown notifications get no answer; the next line is the pong.
	pool.send(`{"jsonrpc":"2.0","id":null,"method":"mining.hello","params":[]}`)
	pool.send(`{"jsonrpc":"2.0","id":null,"method":"mining.ping","params":[]}`)
	assert.Equal(t, "mining.pong", pool.next().Get("method").String())
}

func TestClientNotConnected(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	client, err := NewClient(testClientConfig(addr))
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Subscribe(ctx, []string{"BHD"}), rpc.ErrNotConnected)
	_, err = client.SubmitNonce(ctx, "BHD", 1, nil)
	assert.ErrorIs(t, err, rpc.ErrNotConnected)
	assert.Equal(t, StateDisconnected, client.State())

	// The coins asked for while offline are used once the pool is reachable.
	srv := NewServer(testServerConfig())
	l, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	go srv.Serve(l)
	defer srv.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go client.Run(runCtx)
	waitState(t, client, StateSubscribed)
	assert.Equal(t, 1, srv.Router().Subscribers("BHD"))
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	first, addr := startServer(t, testServerConfig())
	client, _ := runClient(t, testClientConfig(addr, "BHD", "BURST"))
	infos := make(chan json.RawMessage, 4)
	client.OnMiningInfo(func(coin string, info json.RawMessage) { infos <- info })

	waitState(t, client, StateSubscribed)
	require.Eventually(t, func() bool { return first.Router().Subscribers("BURST") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	waitState(t, client, StateDisconnected)

	second := NewServer(testServerConfig())
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	go second.Serve(l)
	defer second.Close()

	waitState(t, client, StateSubscribed)
	assert.Equal(t, 1, second.Router().Subscribers("BHD"))
	assert.Equal(t, 1, second.Router().Subscribers("BURST"))

	_, err = second.UpdateMiningInfo("BURST", "after-restart")
	require.NoError(t, err)
	assert.Equal(t, `"after-restart"`, receiveInfo(t, infos))
}

func TestClientPendingRequestsFailOnDisconnect(t *testing.T) {
	srv, addr := startServer(t, testServerConfig())
	release := make(chan struct{})
	srv.OnSubmitNonce(func(ctx context.Context, req SubmitRequest) (interface{}, error) {
		<-release
		return true, nil
	})
	defer close(release)
	client, _ := runClient(t, testClientConfig(addr, "BHD"))
	waitState(t, client, StateSubscribed)

	errs := make(chan error, 1)
	go func() {
		_, err := client.SubmitNonce(context.Background(), "BHD", 1, nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	srv.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending submit was not rejected")
	}
}

func TestClientRunStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	client, err := NewClient(testClientConfig(addr, "BHD"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	time.Sleep(120 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, client.State())
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(config.ClientConfig{PoolURL: "http://pool:80"})
	assert.Error(t, err)
}
