// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gcash/walletbroker/intercom"
	"github.com/gcash/walletbroker/store"
)

// handlerTimeout bounds the database work of one inbound event.
const handlerTimeout = 30 * time.Second

// notifyPayload is the wallet's transaction observation event.
type notifyPayload struct {
	TxID          string           `json:"txid"`
	Coin          string           `json:"coin"`
	Confirmations int64            `json:"confirmations"`
	BlockHash     string           `json:"blockhash"`
	Balances      []addressBalance `json:"balances"`
}

// addressBalance pairs an output address with the amount it received, as
// an integer string in the coin's smallest unit.
type addressBalance struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// attribution associates one observed output with the site user owning
// its address.
type attribution struct {
	address string
	userID  string
	balance string
}

// handleNotify ingests one NOTIFY event. All database work happens in a
// single transaction serialized per txid, so redelivered and interleaved
// observations of the same transaction cannot double-credit.
func (b *Broker) handleNotify(remote intercom.Remote, payload []byte, reply intercom.ReplyFunc) {
	var p notifyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Errorf("Dropping NOTIFY from peer %d: %v", remote.ID,
			&intercom.FrameDecodeError{MessageID: MsgNotify, Err: err})
		return
	}
	if p.TxID == "" {
		log.Errorf("Dropping NOTIFY from peer %d with empty txid", remote.ID)
		return
	}
	log.Debugf("NOTIFY for tx %s (%s, %d confirmations, %d outputs)",
		p.TxID, p.Coin, p.Confirmations, len(p.Balances))

	b.txMtx.Lock(p.TxID)
	defer b.txMtx.Unlock(p.TxID)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := b.store.WithTxn(ctx, func(tx store.Txn) error {
		return b.ingestNotify(tx, &p, payload)
	})
	switch {
	case errors.Is(err, store.ErrDuplicateCredit):
		// The transaction rolled back; the ledger is unchanged. Reply
		// normally so the wallet does not retransmit forever.
		log.Errorf("Aborted NOTIFY for tx %s: %v", p.TxID, err)
	case err != nil:
		log.Errorf("Unable to ingest NOTIFY for tx %s: %v", p.TxID, err)
		if rerr := reply([]byte("NOTIFY failed: " + err.Error())); rerr != nil {
			log.Errorf("Unable to reply to NOTIFY for tx %s: %v", p.TxID, rerr)
		}
		return
	}
	if err := reply([]byte("Received NOTIFY")); err != nil {
		log.Errorf("Unable to reply to NOTIFY for tx %s: %v", p.TxID, err)
	}
}

// ingestNotify runs the ingestion state machine for one observation
// inside the supplied transaction.
func (b *Broker) ingestNotify(tx store.Txn, p *notifyPayload, raw []byte) error {
	existing, err := tx.LockTx(p.TxID)
	if err != nil {
		return err
	}
	wasComplete := existing != nil && existing.Complete

	// Ensure the observation row exists and its confirmation count never
	// regresses.
	err = tx.UpsertTxRow(&store.WalletTransaction{
		TxID:      p.TxID,
		BlockHash: p.BlockHash,
		TxType:    store.TxTypeObservation,
		Confirms:  p.Confirmations,
	})
	if err != nil {
		return err
	}

	// Open a job for transactions still working toward the threshold.
	if !wasComplete && p.Confirmations >= 0 {
		err = tx.InsertJob(&store.WalletJob{
			Job:   p.TxID,
			State: store.JobStateObserved,
			Type:  p.Coin,
			Data:  raw,
		})
		if err != nil {
			return err
		}
	}

	// Attribute outputs to site users once the threshold is reached. A
	// transaction that already completed must not be credited again no
	// matter how often the wallet redelivers it.
	var attrs []attribution
	if !wasComplete && p.Confirmations >= b.confirmThreshold {
		index := make(map[string]int)
		for _, ab := range p.Balances {
			addr, err := tx.FindAddress(ab.Address)
			if err != nil {
				return err
			}
			if addr == nil {
				log.Debugf("Address %s of tx %s is not mapped to a user",
					ab.Address, p.TxID)
				continue
			}
			a := attribution{address: ab.Address, userID: addr.UserID, balance: ab.Balance}
			if i, ok := index[ab.Address]; ok {
				attrs[i] = a
				continue
			}
			index[ab.Address] = len(attrs)
			attrs = append(attrs, a)
		}
	}

	if len(attrs) > 0 {
		promoted, err := tx.UpdateJob(p.TxID, store.JobStateObserved,
			store.JobStateProcessed, attrs[0].userID, "okay")
		if err != nil {
			return err
		}
		if !promoted {
			log.Debugf("Job for tx %s was already processed", p.TxID)
		}
	}

	for _, a := range attrs {
		amount, err := ParseAmount(a.balance, b.precision)
		if err != nil {
			return fmt.Errorf("output %s of tx %s: %w", a.address, p.TxID, err)
		}
		err = tx.InsertCreditRow(&store.WalletTransaction{
			TxID:      p.TxID,
			BlockHash: p.BlockHash,
			TxType:    store.TxTypeCredit,
			Confirms:  p.Confirmations,
			Complete:  true,
			Processed: true,
			UserID:    a.userID,
			Amount:    amount,
		})
		if err != nil {
			return err
		}
		if _, err := tx.GetOrInitBalance(a.userID); err != nil {
			return err
		}
		if err := tx.AddToBalance(a.userID, amount); err != nil {
			return err
		}
		log.Infof("Credited user %s with %s %s for tx %s",
			a.userID, amount.StringFixed(b.precision), p.Coin, p.TxID)
	}

	// Finalize the observation row. The opening upsert already recorded
	// this observation's confirmation count, so this second write exists
	// to raise complete and processed once the threshold is reached,
	// after the credits above landed. The gateway keeps confirms and
	// both flags monotonic, so a late low-confirmation replay cannot
	// regress them.
	complete := wasComplete || p.Confirmations >= b.confirmThreshold
	return tx.UpsertTxRow(&store.WalletTransaction{
		TxID:      p.TxID,
		BlockHash: p.BlockHash,
		TxType:    store.TxTypeObservation,
		Confirms:  p.Confirmations,
		Complete:  complete,
		Processed: complete,
	})
}
