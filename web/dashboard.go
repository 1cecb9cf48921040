package web

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"

	"github.com/gorilla/websocket"

	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/metrics"
	"github.com/CADMonkey21/stratum-engine/stratum"
)

// maxMiningInfoBody bounds what the admin hook reads from a request.
const maxMiningInfoBody = 1 << 20

type status struct {
	Miners     int                           `json:"miners"`
	GoRoutines int                           `json:"go_routines"`
	Coins      map[string]stratum.CoinStatus `json:"coins"`
}

type updateResult struct {
	Coin     string `json:"coin"`
	Miner    string `json:"miner,omitempty"`
	Notified int    `json:"notified"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// NewDashboard serves the pool's HTTP side:
//
//	GET  /                     JSON status
//	POST /mining-info/{coin}   new mining info (?miner=<host>/<name> targets one miner)
//	GET  /metrics              prometheus metrics
//	GET  /ws                   stratum over websocket
func NewDashboard(srv *stratum.Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status{
			Miners:     srv.SessionCount(),
			GoRoutines: runtime.NumGoroutine(),
			Coins:      srv.Router().Snapshot(),
		})
	})
	mux.HandleFunc("POST /mining-info/{coin}", func(w http.ResponseWriter, r *http.Request) {
		handleMiningInfo(srv, w, r)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Debugf("Web: websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		if !srv.ServeConn(newWSConn(ws)) {
			logging.Debugf("Web: websocket miner %s turned away", r.RemoteAddr)
		}
	})
	return mux
}

func handleMiningInfo(srv *stratum.Server, w http.ResponseWriter, r *http.Request) {
	coin := r.PathValue("coin")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMiningInfoBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "body is not valid JSON", http.StatusBadRequest)
		return
	}

	res := updateResult{Coin: coin, Miner: r.URL.Query().Get("miner")}
	if res.Miner != "" {
		res.Notified, err = srv.UpdateMiningInfoForMiner(coin, res.Miner, json.RawMessage(body))
	} else {
		res.Notified, err = srv.UpdateMiningInfo(coin, json.RawMessage(body))
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
