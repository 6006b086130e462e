// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package broker translates between the site and a remote wallet process.
// Outbound it exposes the imperative wallet command surface; inbound it
// turns the wallet's NOTIFY and HEARTBEAT events into durable site state:
// deduplicated transactions, idempotent credit jobs, per-user balances,
// and per-coin wallet status.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gcash/walletbroker/intercom"
	"github.com/gcash/walletbroker/store"
)

const (
	// DefaultConfirmThreshold is the number of confirmations at which a
	// transaction is considered final for crediting.
	DefaultConfirmThreshold = 3

	// DefaultPrecision is the number of fractional digits carried by
	// balances of a coin whose configuration does not say otherwise.
	DefaultPrecision = 8
)

// WalletConn is the outbound request channel to the wallet peer. The
// intercom Endpoint satisfies it; tests substitute a fake. This interface
// exists so the broker never depends on a live socket.
type WalletConn interface {
	SendCtx(ctx context.Context, messageID uint16, payload []byte) ([]byte, error)
}

// Registrar registers inbound handlers. The intercom Dispatcher
// satisfies it.
type Registrar interface {
	Handle(messageID uint16, h intercom.HandlerFunc)
}

// Config contains the collaborators and tuning for one broker, which
// serves exactly one configured wallet peer.
type Config struct {
	// Coin is the coin symbol this wallet watches, e.g. "BCH".
	Coin string

	// Conn sends commands to the wallet peer.
	Conn WalletConn

	// Dispatcher receives the broker's NOTIFY and HEARTBEAT handlers.
	Dispatcher Registrar

	// Store is the persistence gateway.
	Store store.Store

	// ConfirmThreshold overrides DefaultConfirmThreshold when positive.
	ConfirmThreshold int64

	// Precision overrides DefaultPrecision when positive.
	Precision int32
}

// Broker is the site-side peer of one wallet process.
type Broker struct {
	coin             string
	conn             WalletConn
	store            store.Store
	confirmThreshold int64
	precision        int32
	txMtx            kmutex
}

// New wires a broker and registers its inbound handlers on the
// dispatcher.
func New(cfg *Config) (*Broker, error) {
	if cfg.Conn == nil {
		return nil, errors.New("broker requires a wallet connection")
	}
	if cfg.Store == nil {
		return nil, errors.New("broker requires a store")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("broker requires a dispatcher")
	}
	b := &Broker{
		coin:             cfg.Coin,
		conn:             cfg.Conn,
		store:            cfg.Store,
		confirmThreshold: cfg.ConfirmThreshold,
		precision:        cfg.Precision,
		txMtx:            newKmutex(),
	}
	if b.confirmThreshold <= 0 {
		b.confirmThreshold = DefaultConfirmThreshold
	}
	if b.precision <= 0 {
		b.precision = DefaultPrecision
	}
	cfg.Dispatcher.Handle(MsgNotify, b.handleNotify)
	cfg.Dispatcher.Handle(MsgHeartbeat, b.handleHeartbeat)
	return b, nil
}

// Coin returns the coin symbol the broker serves.
func (b *Broker) Coin() string { return b.coin }

// WalletError is a failure reported by the wallet peer itself, carried in
// a structured reply with isError set.
type WalletError struct {
	Message string
}

// Error satisfies the error interface.
func (e *WalletError) Error() string {
	return "wallet reported error: " + e.Message
}

// walletReply is the JSON envelope the wallet wraps replies in. Message
// may be a plain string or a structured object.
type walletReply struct {
	IsError bool            `json:"isError"`
	Message json.RawMessage `json:"message"`
}

// decodeReply applies the uniform reply rule: a structured reply with
// isError surfaces as a WalletError, a structured success delivers its
// message, and anything that does not parse is passed through raw as
// informational.
func decodeReply(raw []byte) (string, error) {
	var r walletReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return string(raw), nil
	}
	msg := rawToString(r.Message)
	if r.IsError {
		return "", &WalletError{Message: msg}
	}
	return msg, nil
}

// rawToString unwraps a JSON string, or returns the raw JSON text for
// structured messages.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// command sends one request to the wallet peer and decodes the reply.
func (b *Broker) command(ctx context.Context, messageID uint16, payload []byte) (string, error) {
	raw, err := b.conn.SendCtx(ctx, messageID, payload)
	if err != nil {
		return "", err
	}
	return decodeReply(raw)
}

// Start asks the wallet process to start watching its network.
func (b *Broker) Start(ctx context.Context) (string, error) {
	return b.command(ctx, MsgStart, nil)
}

// Stop asks the wallet process to stop.
func (b *Broker) Stop(ctx context.Context) (string, error) {
	return b.command(ctx, MsgStop, nil)
}

// Restart asks the wallet process to restart.
func (b *Broker) Restart(ctx context.Context) (string, error) {
	return b.command(ctx, MsgRestart, nil)
}

// Reindex asks the wallet to rebuild its chain index.
func (b *Broker) Reindex(ctx context.Context) (string, error) {
	return b.command(ctx, MsgReindex, nil)
}

// Resync asks the wallet to resynchronize from its last checkpoint.
func (b *Broker) Resync(ctx context.Context) (string, error) {
	return b.command(ctx, MsgResync, nil)
}

// Rescan asks the wallet to rescan the chain for wallet transactions.
func (b *Broker) Rescan(ctx context.Context) (string, error) {
	return b.command(ctx, MsgRescan, nil)
}

// Info returns the wallet's node information blob.
func (b *Broker) Info(ctx context.Context) (string, error) {
	return b.command(ctx, MsgInfo, nil)
}

// BestBlockHash returns the wallet's current best block hash.
func (b *Broker) BestBlockHash(ctx context.Context) (string, error) {
	return b.command(ctx, MsgBestBlockHash, nil)
}

// NewAddress has the wallet issue a fresh deposit address for the
// account and records the address-to-user mapping so later NOTIFY events
// can be attributed.
func (b *Broker) NewAddress(ctx context.Context, accountID string) (string, error) {
	addr, err := b.command(ctx, MsgNewAddress, []byte(accountID))
	if err != nil {
		return "", err
	}
	if err := b.store.InsertAddress(ctx, addr, accountID); err != nil {
		return "", fmt.Errorf("wallet issued address %s but recording it "+
			"failed: %w", addr, err)
	}
	return addr, nil
}

// Addresses lists the wallet addresses issued for an account.
func (b *Broker) Addresses(ctx context.Context, accountID string) ([]string, error) {
	raw, err := b.conn.SendCtx(ctx, MsgAddresses, []byte(accountID))
	if err != nil {
		return nil, err
	}
	var r walletReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return []string{string(raw)}, nil
	}
	if r.IsError {
		return nil, &WalletError{Message: rawToString(r.Message)}
	}
	var list []string
	if err := json.Unmarshal(r.Message, &list); err == nil {
		return list, nil
	}
	return []string{rawToString(r.Message)}, nil
}

// AddressBalance returns the balance the wallet sees on one address.
func (b *Broker) AddressBalance(ctx context.Context, address string) (string, error) {
	return b.command(ctx, MsgAddressBalance, []byte(address))
}

// IDBalance returns the balance the wallet sees across an account.
func (b *Broker) IDBalance(ctx context.Context, accountID string) (string, error) {
	return b.command(ctx, MsgIDBalance, []byte(accountID))
}

// TransactionRequest describes an outbound payment for SendFunds.
// Amount is an integer string in the coin's smallest unit, matching the
// units used by NOTIFY balances.
type TransactionRequest struct {
	Coin    string `json:"coin"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
	UserID  string `json:"userId"`
}

// SendFunds asks the wallet to pay out funds.
func (b *Broker) SendFunds(ctx context.Context, req *TransactionRequest) (string, error) {
	if _, err := ParseAmount(req.Amount, b.precision); err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return b.command(ctx, MsgSendFunds, payload)
}

// Replay asks the wallet to re-emit the NOTIFY for a transaction.
func (b *Broker) Replay(ctx context.Context, txid string) (string, error) {
	return b.command(ctx, MsgReplay, []byte(txid))
}

// Crawl asks the wallet to crawl from a block hash or height.
func (b *Broker) Crawl(ctx context.Context, target string) (string, error) {
	return b.command(ctx, MsgCrawl, []byte(target))
}
