// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store is the persistence gateway for the broker's five ledger
// tables. It is the only writer to those tables; the ingestion pipeline
// performs all of its work inside a single transaction obtained from
// WithTxn.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateCredit describes the error condition of inserting a
	// second credit row for the same (txid, user) pair. The ingestion
	// pipeline aborts its transaction when it sees this.
	ErrDuplicateCredit = errors.New("credit row already exists for this txid and user")
)

// Transaction types for WalletTransaction rows.
const (
	// TxTypeObservation marks the single raw network observation row
	// per txid.
	TxTypeObservation int32 = 1

	// TxTypeCredit marks a per-user credit ledger entry.
	TxTypeCredit int32 = 3
)

// Job states for WalletJob rows. Transitions are monotonic: a job only
// ever moves from observed to processed.
const (
	JobStateObserved  int32 = 0
	JobStateProcessed int32 = 3
)

// WalletTransaction is a row of user_wallet_tx. Type-1 rows describe an
// observed on-chain transaction; type-3 rows are per-user credit entries
// inserted when the transaction completes.
type WalletTransaction struct {
	TxID      string
	BlockHash string
	CoinType  int32
	TxType    int32
	Confirms  int64
	Complete  bool
	Processed bool

	// UserID and Amount are set on type-3 rows only. An empty UserID
	// stands for NULL on type-1 rows.
	UserID string
	Amount decimal.Decimal
}

// WalletJob is a row of user_wallet_job, the bookkeeping handle for the
// credit workflow of one txid.
type WalletJob struct {
	Job    string
	State  int32
	Type   string
	Data   []byte
	UserID string
	Result string
}

// WalletAddress maps a wallet-issued address to a site user.
type WalletAddress struct {
	Address string
	UserID  string
}

// WalletStatus is the latest heartbeat snapshot for one coin.
type WalletStatus struct {
	Type        string
	Online      bool
	Synced      bool
	Crawling    bool
	BlockHeight int64
	BlockHash   string
	BlockTime   int64
	UpdatedAt   time.Time
}

// Txn exposes the gateway operations available inside one transaction.
// Everything performed on a Txn commits or rolls back atomically.
type Txn interface {
	// LockTx loads the type-1 row for the txid under a row lock,
	// serializing concurrent observers of the same transaction. It
	// returns nil when no row exists yet.
	LockTx(txid string) (*WalletTransaction, error)

	// UpsertTxRow inserts the type-1 row for row.TxID or updates the
	// existing one. Confirms never decreases and Complete never flips
	// back to false regardless of the values supplied.
	UpsertTxRow(row *WalletTransaction) error

	// InsertJob creates the job row unless one already exists.
	InsertJob(job *WalletJob) error

	// UpdateJob transitions the job from fromState to toState, recording
	// the attributed user and result. It reports whether a row was
	// actually transitioned, which is false when the job already moved.
	UpdateJob(txid string, fromState, toState int32, userID, result string) (bool, error)

	// FindAddress resolves an address to its owning user, or nil when
	// the address is not mapped.
	FindAddress(address string) (*WalletAddress, error)

	// InsertCreditRow inserts a type-3 row and fails with
	// ErrDuplicateCredit when one already exists for (txid, user).
	InsertCreditRow(row *WalletTransaction) error

	// GetOrInitBalance returns the user's balance, creating a zero
	// balance row first when none exists.
	GetOrInitBalance(userID string) (decimal.Decimal, error)

	// AddToBalance credits the user's balance by amount.
	AddToBalance(userID string, amount decimal.Decimal) error
}

// Store is the narrow persistence interface consumed by the broker. The
// Postgres implementation is the production gateway; tests substitute the
// in-memory mock.
type Store interface {
	// WithTxn runs fn inside one transaction with at least
	// read-committed isolation, committing when fn returns nil and
	// rolling back otherwise.
	WithTxn(ctx context.Context, fn func(Txn) error) error

	// UpsertStatus records a heartbeat snapshot, keyed by coin symbol.
	UpsertStatus(ctx context.Context, st *WalletStatus) error

	// Status returns the latest heartbeat snapshot for a coin, or nil
	// when the coin has never reported.
	Status(ctx context.Context, coin string) (*WalletStatus, error)

	// InsertAddress records a wallet-issued address for a user. Used by
	// the new-address command flow; the ingestion pipeline only reads
	// addresses.
	InsertAddress(ctx context.Context, address, userID string) error

	// Close releases the underlying resources.
	Close()
}
