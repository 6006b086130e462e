// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockStore is an in-memory Store used by tests. WithTxn mutates a copy
// of the state and publishes it only on success, so an aborted
// transaction leaves the store untouched, mirroring the rollback
// behavior of the Postgres gateway.
type MockStore struct {
	mu    sync.Mutex
	state mockState
}

type mockState struct {
	txs      map[txKey]WalletTransaction
	jobs     map[string]WalletJob
	addrs    map[string]WalletAddress
	balances map[string]decimal.Decimal
	statuses map[string]WalletStatus
}

type txKey struct {
	txid   string
	txType int32
	userID string
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{state: newMockState()}
}

func newMockState() mockState {
	return mockState{
		txs:      make(map[txKey]WalletTransaction),
		jobs:     make(map[string]WalletJob),
		addrs:    make(map[string]WalletAddress),
		balances: make(map[string]decimal.Decimal),
		statuses: make(map[string]WalletStatus),
	}
}

func (st mockState) clone() mockState {
	c := newMockState()
	for k, v := range st.txs {
		c.txs[k] = v
	}
	for k, v := range st.jobs {
		v.Data = append([]byte(nil), v.Data...)
		c.jobs[k] = v
	}
	for k, v := range st.addrs {
		c.addrs[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.statuses {
		c.statuses[k] = v
	}
	return c
}

// WithTxn implements Store.
func (m *MockStore) WithTxn(ctx context.Context, fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&mockTxn{state: &staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

// UpsertStatus implements Store.
func (m *MockStore) UpsertStatus(ctx context.Context, st *WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := *st
	snap.UpdatedAt = time.Now()
	m.state.statuses[st.Type] = snap
	return nil
}

// Status implements Store.
func (m *MockStore) Status(ctx context.Context, coin string) (*WalletStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state.statuses[coin]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// InsertAddress implements Store.
func (m *MockStore) InsertAddress(ctx context.Context, address, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.addrs[address]; !ok {
		m.state.addrs[address] = WalletAddress{Address: address, UserID: userID}
	}
	return nil
}

// Close implements Store.
func (m *MockStore) Close() {}

// Tx returns the stored row for (txid, txType, userID), if any. Type-1
// rows use an empty userID.
func (m *MockStore) Tx(txid string, txType int32, userID string) (WalletTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.state.txs[txKey{txid, txType, userID}]
	return row, ok
}

// Job returns the stored job row for a txid, if any.
func (m *MockStore) Job(txid string) (WalletJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.state.jobs[txid]
	return job, ok
}

// Balance returns the stored balance for a user, or zero.
func (m *MockStore) Balance(userID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.balances[userID]
}

// CreditRows returns all type-3 rows for a txid.
func (m *MockStore) CreditRows(txid string) []WalletTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []WalletTransaction
	for k, v := range m.state.txs {
		if k.txid == txid && k.txType == TxTypeCredit {
			rows = append(rows, v)
		}
	}
	return rows
}

// mockTxn operates on the staged copy of the store state.
type mockTxn struct {
	state *mockState
}

func (t *mockTxn) LockTx(txid string) (*WalletTransaction, error) {
	row, ok := t.state.txs[txKey{txid, TxTypeObservation, ""}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (t *mockTxn) UpsertTxRow(row *WalletTransaction) error {
	key := txKey{row.TxID, TxTypeObservation, ""}
	existing, ok := t.state.txs[key]
	if !ok {
		stored := *row
		stored.TxType = TxTypeObservation
		stored.UserID = ""
		stored.Amount = decimal.Zero
		t.state.txs[key] = stored
		return nil
	}
	if row.Confirms > existing.Confirms {
		existing.Confirms = row.Confirms
	}
	existing.Complete = existing.Complete || row.Complete
	existing.Processed = existing.Processed || row.Processed
	if row.BlockHash != "" {
		existing.BlockHash = row.BlockHash
	}
	t.state.txs[key] = existing
	return nil
}

func (t *mockTxn) InsertJob(job *WalletJob) error {
	if _, ok := t.state.jobs[job.Job]; ok {
		return nil
	}
	stored := *job
	stored.Data = append([]byte(nil), job.Data...)
	t.state.jobs[job.Job] = stored
	return nil
}

func (t *mockTxn) UpdateJob(txid string, fromState, toState int32, userID, result string) (bool, error) {
	job, ok := t.state.jobs[txid]
	if !ok || job.State != fromState {
		return false, nil
	}
	job.State = toState
	job.UserID = userID
	job.Result = result
	t.state.jobs[txid] = job
	return true, nil
}

func (t *mockTxn) FindAddress(address string) (*WalletAddress, error) {
	addr, ok := t.state.addrs[address]
	if !ok {
		return nil, nil
	}
	return &addr, nil
}

func (t *mockTxn) InsertCreditRow(row *WalletTransaction) error {
	key := txKey{row.TxID, TxTypeCredit, row.UserID}
	if _, ok := t.state.txs[key]; ok {
		return ErrDuplicateCredit
	}
	stored := *row
	stored.TxType = TxTypeCredit
	t.state.txs[key] = stored
	return nil
}

func (t *mockTxn) GetOrInitBalance(userID string) (decimal.Decimal, error) {
	bal, ok := t.state.balances[userID]
	if !ok {
		bal = decimal.Zero
		t.state.balances[userID] = bal
	}
	return bal, nil
}

func (t *mockTxn) AddToBalance(userID string, amount decimal.Decimal) error {
	t.state.balances[userID] = t.state.balances[userID].Add(amount)
	return nil
}
