// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package adminrpc serves the operator command surface over HTTP. It
// forwards wallet commands to the per-coin brokers and reads coin status
// from the store. It is an internal operations API, not the end-user
// wallet-data API.
package adminrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/gcash/walletbroker/broker"
	"github.com/gcash/walletbroker/store"
)

// AuthenticationTokenKey is the header carrying the operator auth token.
const AuthenticationTokenKey = "X-Auth-Token"

var errUnauthenticated = errors.New("invalid or missing authentication token")

// WalletCommander is the outbound command surface of one coin's broker.
type WalletCommander interface {
	Start(ctx context.Context) (string, error)
	Stop(ctx context.Context) (string, error)
	Restart(ctx context.Context) (string, error)
	Reindex(ctx context.Context) (string, error)
	Resync(ctx context.Context) (string, error)
	Rescan(ctx context.Context) (string, error)
	Info(ctx context.Context) (string, error)
	BestBlockHash(ctx context.Context) (string, error)
	NewAddress(ctx context.Context, accountID string) (string, error)
	Addresses(ctx context.Context, accountID string) ([]string, error)
	AddressBalance(ctx context.Context, address string) (string, error)
	IDBalance(ctx context.Context, accountID string) (string, error)
	SendFunds(ctx context.Context, req *broker.TransactionRequest) (string, error)
	Replay(ctx context.Context, txid string) (string, error)
	Crawl(ctx context.Context, target string) (string, error)
}

// StatusReader reads heartbeat snapshots. The store satisfies it.
type StatusReader interface {
	Status(ctx context.Context, coin string) (*store.WalletStatus, error)
}

// Config describes the operator API server.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. "127.0.0.1:8337".
	ListenAddr string

	// AuthToken is required in the AuthenticationTokenKey header of
	// every request.
	AuthToken string

	// Brokers maps coin symbols to their command surface.
	Brokers map[string]WalletCommander

	// Status reads coin heartbeat snapshots.
	Status StatusReader

	// MaxSendUnits caps a single send-funds amount, denominated in the
	// coin's smallest unit. Zero disables the cap.
	MaxSendUnits decimal.Decimal
}

// Server is the operator HTTP API.
type Server struct {
	cfg    Config
	router *mux.Router
	http   *http.Server
}

// NewServer builds the routing table. Start must be called to serve.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, router: mux.NewRouter()}

	r := s.router
	r.HandleFunc("/v1/wallet/{coin}/{cmd:start|stop|restart|reindex|resync|rescan}",
		s.auth(s.handleControl)).Methods(http.MethodPost)
	r.HandleFunc("/v1/wallet/{coin}/info", s.auth(s.handleInfo)).Methods(http.MethodGet)
	r.HandleFunc("/v1/wallet/{coin}/bestblockhash", s.auth(s.handleBestBlockHash)).Methods(http.MethodGet)
	r.HandleFunc("/v1/wallet/{coin}/address", s.auth(s.handleNewAddress)).Methods(http.MethodPost)
	r.HandleFunc("/v1/wallet/{coin}/addresses/{account}", s.auth(s.handleAddresses)).Methods(http.MethodGet)
	r.HandleFunc("/v1/wallet/{coin}/addressbalance/{address}", s.auth(s.handleAddressBalance)).Methods(http.MethodGet)
	r.HandleFunc("/v1/wallet/{coin}/balance/{account}", s.auth(s.handleIDBalance)).Methods(http.MethodGet)
	r.HandleFunc("/v1/wallet/{coin}/sendfunds", s.auth(s.handleSendFunds)).Methods(http.MethodPost)
	r.HandleFunc("/v1/wallet/{coin}/replay/{txid}", s.auth(s.handleReplay)).Methods(http.MethodPost)
	r.HandleFunc("/v1/wallet/{coin}/crawl/{target}", s.auth(s.handleCrawl)).Methods(http.MethodPost)
	r.HandleFunc("/v1/status/{coin}", s.auth(s.handleStatus)).Methods(http.MethodGet)
	return s
}

// Router exposes the handler for tests and embedders.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown. It returns once the listener is running.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	go func() {
		log.Infof("Operator API listening on %s", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Operator API server failed: %v", err)
		}
	}()
}

// Shutdown drains and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// reply is the JSON envelope used for every response.
type reply struct {
	IsError bool        `json:"isError"`
	Message interface{} `json:"message"`
}

func writeReply(w http.ResponseWriter, status int, isError bool, message interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(reply{IsError: isError, Message: message}); err != nil {
		log.Errorf("Unable to encode response: %v", err)
	}
}

// validateAuthenticationToken checks the request's operator token.
func (s *Server) validateAuthenticationToken(r *http.Request) error {
	if s.cfg.AuthToken == "" || r.Header.Get(AuthenticationTokenKey) != s.cfg.AuthToken {
		return errUnauthenticated
	}
	return nil
}

// auth wraps a handler with token validation.
func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.validateAuthenticationToken(r); err != nil {
			writeReply(w, http.StatusUnauthorized, true, err.Error())
			return
		}
		h(w, r)
	}
}

// commander resolves the broker for the coin in the URL, writing a 404
// when the coin is not configured.
func (s *Server) commander(w http.ResponseWriter, r *http.Request) (WalletCommander, bool) {
	coin := mux.Vars(r)["coin"]
	c, ok := s.cfg.Brokers[coin]
	if !ok {
		writeReply(w, http.StatusNotFound, true, "no wallet configured for coin "+coin)
		return nil, false
	}
	return c, true
}

// runCommand executes fn and writes the uniform envelope. Wallet-reported
// errors and transport failures both surface as isError replies.
func runCommand(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (interface{}, error)) {
	msg, err := fn(r.Context())
	if err != nil {
		var werr *broker.WalletError
		if errors.As(err, &werr) {
			writeReply(w, http.StatusOK, true, werr.Message)
			return
		}
		writeReply(w, http.StatusBadGateway, true, err.Error())
		return
	}
	writeReply(w, http.StatusOK, false, msg)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	cmd := mux.Vars(r)["cmd"]
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		switch cmd {
		case "start":
			return c.Start(ctx)
		case "stop":
			return c.Stop(ctx)
		case "restart":
			return c.Restart(ctx)
		case "reindex":
			return c.Reindex(ctx)
		case "resync":
			return c.Resync(ctx)
		default:
			return c.Rescan(ctx)
		}
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.Info(ctx)
	})
}

func (s *Server) handleBestBlockHash(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.BestBlockHash(ctx)
	})
}

func (s *Server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	var body struct {
		AccountID string `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountID == "" {
		writeReply(w, http.StatusBadRequest, true, "request body requires accountId")
		return
	}
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.NewAddress(ctx, body.AccountID)
	})
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	account := mux.Vars(r)["account"]
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.Addresses(ctx, account)
	})
}

func (s *Server) handleAddressBalance(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	address := mux.Vars(r)["address"]
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.AddressBalance(ctx, address)
	})
}

func (s *Server) handleIDBalance(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	account := mux.Vars(r)["account"]
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.IDBalance(ctx, account)
	})
}

func (s *Server) handleSendFunds(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	var req broker.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReply(w, http.StatusBadRequest, true, "malformed transaction request")
		return
	}
	if !s.cfg.MaxSendUnits.IsZero() {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeReply(w, http.StatusBadRequest, true, "malformed amount")
			return
		}
		if amount.GreaterThan(s.cfg.MaxSendUnits) {
			writeReply(w, http.StatusBadRequest, true, "amount exceeds the configured send limit")
			return
		}
	}
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.SendFunds(ctx, &req)
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	txid := mux.Vars(r)["txid"]
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.Replay(ctx, txid)
	})
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w, r)
	if !ok {
		return
	}
	target := mux.Vars(r)["target"]
	runCommand(w, r, func(ctx context.Context) (interface{}, error) {
		return c.Crawl(ctx, target)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	coin := mux.Vars(r)["coin"]
	st, err := s.cfg.Status.Status(r.Context(), coin)
	if err != nil {
		writeReply(w, http.StatusInternalServerError, true, err.Error())
		return
	}
	if st == nil {
		writeReply(w, http.StatusNotFound, true, "no status recorded for coin "+coin)
		return
	}
	writeReply(w, http.StatusOK, false, st)
}
