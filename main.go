package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"

	"github.com/CADMonkey21/stratum-engine/config"
	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/stratum"
	"github.com/CADMonkey21/stratum-engine/web"
)

var (
	configPath string
	logLevel   string
	logFile    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "stratum-engine",
		Short:        "Multi-coin stratum pool server and miner client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the yaml config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides the config file)")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	root.AddCommand(newServeCmd(), newMineCmd())
	return root
}

// setup loads the config file and applies logging settings.
func setup() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	config.Active = cfg

	if logLevel != "" {
		config.Active.LogLevel = logLevel
	}
	level, ok := logging.ParseLogLevel(config.Active.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", config.Active.LogLevel)
	}
	logging.SetLogLevel(level)

	if logFile != "" {
		config.Active.LogFile = logFile
	}
	if config.Active.LogFile != "" {
		f, err := os.OpenFile(config.Active.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logging.SetLogFile(f)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

/* -------------------------------------------------------------------- */
/*  serve                                                               */
/* -------------------------------------------------------------------- */

func newServeCmd() *cobra.Command {
	var (
		listen string
		coins  []string
		noHTTP bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool side: accept miners, broadcast mining info, take submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Active
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr = listen
			}
			if cmd.Flags().Changed("coins") {
				cfg.Server.Coins = coins
			}
			if noHTTP {
				cfg.HTTP = false
			}
			if err := cfg.Server.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address for stratum (and HTTP) traffic")
	cmd.Flags().StringSliceVar(&coins, "coins", nil, "coins offered to miners")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not serve the dashboard on the stratum port")
	return cmd
}

func serve(cfg config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	logging.Infof("MAIN: stratum-engine pool starting up")

	baseListener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	if cfg.Server.ProxyProtocol && cfg.HTTP {
		// The PROXY header comes before anything cmux could match on.
		baseListener = &proxyproto.Listener{Listener: baseListener, ReadHeaderTimeout: 10 * time.Second}
		cfg.Server.ProxyProtocol = false
	}

	srv := stratum.NewServer(cfg.Server)
	srv.OnSubmitNonce(logSubmission)
	srv.Events().On(stratum.EventMinerSubscribed, func(ev stratum.Event) {
		logging.Infof("MAIN: %s subscribed to %v", ev.Miner.ID, ev.Coins)
	})
	srv.Events().On(stratum.EventMinerDisconnected, func(ev stratum.Event) {
		if ev.Err != nil {
			logging.Infof("MAIN: miner %s left: %v", ev.RemoteAddr, ev.Err)
		}
	})

	errs := make(chan error, 3)
	var httpSrv *http.Server
	if cfg.HTTP {
		m := cmux.New(baseListener)
		httpL := m.Match(cmux.HTTP1Fast()) // dashboard, metrics, websocket
		stratumL := m.Match(cmux.Any())    // everything else is a miner

		httpSrv = &http.Server{Handler: web.NewDashboard(srv), ReadHeaderTimeout: 10 * time.Second}
		go func() { errs <- httpSrv.Serve(httpL) }()
		go func() { errs <- srv.Serve(stratumL) }()
		go func() { errs <- m.Serve() }()
	} else {
		go func() { errs <- srv.Serve(baseListener) }()
	}

	go logStats(ctx, srv)
	logging.Infof("MAIN: Startup complete, stratum on %s. Press Ctrl+C to exit.", baseListener.Addr())

	var result error
	select {
	case <-ctx.Done():
		logging.Warnf("MAIN: Shutdown signal received, disconnecting miners")
	case err := <-errs:
		if !errors.Is(err, stratum.ErrServerClosed) && !errors.Is(err, http.ErrServerClosed) {
			result = err
		}
	}

	srv.Close()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}
	baseListener.Close()
	return result
}

// logSubmission accepts every submission. Real deployments register a
// handler that checks the proof of work.
func logSubmission(ctx context.Context, req stratum.SubmitRequest) (interface{}, error) {
	logging.Infof("MAIN: submission for %s from %v: %s", req.Coin, req.Options[stratum.RemoteAddressOption], req.Submission)
	return true, nil
}

func logStats(ctx context.Context, srv *stratum.Server) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		snapshot := srv.Router().Snapshot()
		coins := make([]string, 0, len(snapshot))
		for coin := range snapshot {
			coins = append(coins, coin)
		}
		sort.Strings(coins)

		logging.Infof("Stratum: %d miners connected", srv.SessionCount())
		for _, coin := range coins {
			st := snapshot[coin]
			logging.Infof("  %-8s subscribers: %d  mining info: %t", coin, st.Subscribers, st.HasMiningInfo)
		}
	}
}

/* -------------------------------------------------------------------- */
/*  mine                                                                */
/* -------------------------------------------------------------------- */

func newMineCmd() *cobra.Command {
	var (
		pool  string
		coins []string
	)
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Connect to a pool and follow its mining info",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Active.Client
			if cmd.Flags().Changed("pool") {
				cfg.PoolURL = pool
			}
			if cmd.Flags().Changed("coins") {
				cfg.Coins = coins
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return mine(cfg)
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "", "pool url, stratum+tcp://host:port")
	cmd.Flags().StringSliceVar(&coins, "coins", nil, "coins to subscribe to")
	return cmd
}

func mine(cfg config.ClientConfig) error {
	ctx, stop := signalContext()
	defer stop()

	client, err := stratum.NewClient(cfg)
	if err != nil {
		return err
	}
	client.OnMiningInfo(func(coin string, info json.RawMessage) {
		logging.Noticef("MAIN: new mining info for %s: %s", coin, info)
	})

	logging.Infof("MAIN: Connecting to %s for %v", cfg.PoolURL, cfg.Coins)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logging.Warnf("MAIN: Shutdown signal received.")
		return nil
	}
	return err
}
