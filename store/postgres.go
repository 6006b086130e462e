// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
)

// createStatements brings up the five ledger tables with the uniqueness
// constraints the ingestion pipeline relies on. Balances and amounts are
// NUMERIC so no precision is lost between the wire and the ledger.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS user_wallet_tx (
		id        BIGSERIAL PRIMARY KEY,
		txid      TEXT    NOT NULL,
		blockhash TEXT    NOT NULL DEFAULT '',
		cointype  INTEGER NOT NULL DEFAULT 0,
		txtype    INTEGER NOT NULL,
		confirms  BIGINT  NOT NULL DEFAULT 0,
		complete  BOOLEAN NOT NULL DEFAULT FALSE,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		userid    TEXT    NOT NULL DEFAULT '',
		amount    NUMERIC NOT NULL DEFAULT 0,
		UNIQUE (txid, txtype, userid)
	)`,
	`CREATE TABLE IF NOT EXISTS user_wallet_job (
		job    TEXT    PRIMARY KEY,
		state  INTEGER NOT NULL DEFAULT 0,
		type   TEXT    NOT NULL DEFAULT '',
		data   BYTEA,
		userid TEXT    NOT NULL DEFAULT '',
		result TEXT    NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_wallet_address (
		address TEXT PRIMARY KEY,
		userid  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_wallet_balance (
		userid  TEXT    PRIMARY KEY,
		balance NUMERIC NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS user_wallet_status (
		type        TEXT        PRIMARY KEY,
		online      BOOLEAN     NOT NULL DEFAULT FALSE,
		synced      BOOLEAN     NOT NULL DEFAULT FALSE,
		crawling    BOOLEAN     NOT NULL DEFAULT FALSE,
		blockheight BIGINT      NOT NULL DEFAULT 0,
		blockhash   TEXT        NOT NULL DEFAULT '',
		blocktime   BIGINT      NOT NULL DEFAULT 0,
		updatedat   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// PostgresStore is the production persistence gateway backed by a pgx
// connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database described by dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// CreateTables brings the schema up to date. Safe to call on every start.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	for _, stmt := range createStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("unable to create schema: %w", err)
		}
	}
	log.Debugf("Ledger schema is up to date")
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// WithTxn runs fn in one read-committed transaction, committing on nil
// and rolling back on error or panic.
func (s *PostgresStore) WithTxn(ctx context.Context, fn func(Txn) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("unable to commit transaction: %w", err)
	}
	return nil
}

// UpsertStatus records a heartbeat snapshot with last-writer-wins
// semantics.
func (s *PostgresStore) UpsertStatus(ctx context.Context, st *WalletStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_wallet_status
			(type, online, synced, crawling, blockheight, blockhash, blocktime, updatedat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (type) DO UPDATE SET
			online      = EXCLUDED.online,
			synced      = EXCLUDED.synced,
			crawling    = EXCLUDED.crawling,
			blockheight = EXCLUDED.blockheight,
			blockhash   = EXCLUDED.blockhash,
			blocktime   = EXCLUDED.blocktime,
			updatedat   = now()`,
		st.Type, st.Online, st.Synced, st.Crawling,
		st.BlockHeight, st.BlockHash, st.BlockTime)
	return err
}

// Status returns the latest snapshot for a coin, or nil when the coin has
// never reported a heartbeat.
func (s *PostgresStore) Status(ctx context.Context, coin string) (*WalletStatus, error) {
	st := &WalletStatus{}
	err := s.pool.QueryRow(ctx, `
		SELECT type, online, synced, crawling, blockheight, blockhash, blocktime, updatedat
		FROM user_wallet_status WHERE type = $1`, coin).Scan(
		&st.Type, &st.Online, &st.Synced, &st.Crawling,
		&st.BlockHeight, &st.BlockHash, &st.BlockTime, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// InsertAddress records a wallet-issued address for a user.
func (s *PostgresStore) InsertAddress(ctx context.Context, address, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_wallet_address (address, userid) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`, address, userID)
	return err
}

// pgTxn implements Txn over one pgx transaction.
type pgTxn struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTxn) LockTx(txid string) (*WalletTransaction, error) {
	row := &WalletTransaction{}
	var amount string
	err := t.tx.QueryRow(t.ctx, `
		SELECT txid, blockhash, cointype, txtype, confirms, complete, processed,
		       userid, amount::text
		FROM user_wallet_tx
		WHERE txid = $1 AND txtype = $2
		FOR UPDATE`, txid, TxTypeObservation).Scan(
		&row.TxID, &row.BlockHash, &row.CoinType, &row.TxType, &row.Confirms,
		&row.Complete, &row.Processed, &row.UserID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (t *pgTxn) UpsertTxRow(row *WalletTransaction) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO user_wallet_tx
			(txid, blockhash, cointype, txtype, confirms, complete, processed, userid, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', 0)
		ON CONFLICT (txid, txtype, userid) DO UPDATE SET
			confirms  = GREATEST(user_wallet_tx.confirms, EXCLUDED.confirms),
			complete  = user_wallet_tx.complete OR EXCLUDED.complete,
			processed = user_wallet_tx.processed OR EXCLUDED.processed,
			blockhash = CASE WHEN EXCLUDED.blockhash <> ''
				THEN EXCLUDED.blockhash ELSE user_wallet_tx.blockhash END`,
		row.TxID, row.BlockHash, row.CoinType, TxTypeObservation,
		row.Confirms, row.Complete, row.Processed)
	return err
}

func (t *pgTxn) InsertJob(job *WalletJob) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO user_wallet_job (job, state, type, data, userid, result)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job) DO NOTHING`,
		job.Job, job.State, job.Type, job.Data, job.UserID, job.Result)
	return err
}

func (t *pgTxn) UpdateJob(txid string, fromState, toState int32, userID, result string) (bool, error) {
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE user_wallet_job
		SET state = $3, userid = $4, result = $5
		WHERE job = $1 AND state = $2`,
		txid, fromState, toState, userID, result)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTxn) FindAddress(address string) (*WalletAddress, error) {
	addr := &WalletAddress{}
	err := t.tx.QueryRow(t.ctx, `
		SELECT address, userid FROM user_wallet_address WHERE address = $1`,
		address).Scan(&addr.Address, &addr.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func (t *pgTxn) InsertCreditRow(row *WalletTransaction) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO user_wallet_tx
			(txid, blockhash, cointype, txtype, confirms, complete, processed, userid, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric)`,
		row.TxID, row.BlockHash, row.CoinType, TxTypeCredit, row.Confirms,
		row.Complete, row.Processed, row.UserID, row.Amount.String())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrDuplicateCredit
	}
	return err
}

func (t *pgTxn) GetOrInitBalance(userID string) (decimal.Decimal, error) {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO user_wallet_balance (userid, balance) VALUES ($1, 0)
		ON CONFLICT (userid) DO NOTHING`, userID)
	if err != nil {
		return decimal.Zero, err
	}
	var balance string
	err = t.tx.QueryRow(t.ctx, `
		SELECT balance::text FROM user_wallet_balance WHERE userid = $1`,
		userID).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

func (t *pgTxn) AddToBalance(userID string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE user_wallet_balance SET balance = balance + $2::numeric
		WHERE userid = $1`, userID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no balance row for user %s", userID)
	}
	return nil
}
