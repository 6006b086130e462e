// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gcash/walletbroker/intercom"
	"github.com/gcash/walletbroker/store"
)

// deliverNotify marshals the payload and invokes the broker's NOTIFY
// handler the way the dispatcher would, returning the recorded replies.
func deliverNotify(t *testing.T, reg *fakeRegistrar, p *notifyPayload) [][]byte {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	rec := &replyRecorder{}
	reg.handlers[MsgNotify](intercom.Remote{ID: 2}, raw, rec.reply)
	return rec.payloads
}

func requireBalance(t *testing.T, ms *store.MockStore, userID, want string) {
	t.Helper()
	require.True(t, ms.Balance(userID).Equal(decimal.RequireFromString(want)),
		"balance of %s is %s, want %s", userID, ms.Balance(userID), want)
}

func TestNotifyFirstObservation(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})

	replies := deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 0, BlockHash: "",
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	})
	require.Equal(t, [][]byte{[]byte("Received NOTIFY")}, replies)

	row, ok := ms.Tx("tx1", store.TxTypeObservation, "")
	require.True(t, ok)
	require.EqualValues(t, 0, row.Confirms)
	require.False(t, row.Complete)
	require.False(t, row.Processed)

	job, ok := ms.Job("tx1")
	require.True(t, ok)
	require.Equal(t, store.JobStateObserved, job.State)
	require.Equal(t, "BCH", job.Type)

	require.Empty(t, ms.CreditRows("tx1"))
}

func TestNotifyCreditsAtThreshold(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	ctx := context.Background()
	require.NoError(t, ms.InsertAddress(ctx, "qzaddr1", "user-7"))

	deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 0,
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	})
	replies := deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3, BlockHash: "blockA",
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	})
	require.Equal(t, [][]byte{[]byte("Received NOTIFY")}, replies)

	row, ok := ms.Tx("tx1", store.TxTypeObservation, "")
	require.True(t, ok)
	require.EqualValues(t, 3, row.Confirms)
	require.True(t, row.Complete)
	require.True(t, row.Processed)
	require.Equal(t, "blockA", row.BlockHash)

	credits := ms.CreditRows("tx1")
	require.Len(t, credits, 1)
	require.Equal(t, "user-7", credits[0].UserID)
	require.True(t, credits[0].Amount.Equal(decimal.RequireFromString("1.5")))
	requireBalance(t, ms, "user-7", "1.5")

	job, ok := ms.Job("tx1")
	require.True(t, ok)
	require.Equal(t, store.JobStateProcessed, job.State)
	require.Equal(t, "user-7", job.UserID)
	require.Equal(t, "okay", job.Result)
}

func TestNotifyRedeliveryDoesNotDoubleCredit(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	require.NoError(t, ms.InsertAddress(context.Background(), "qzaddr1", "user-7"))

	p := &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3, BlockHash: "blockA",
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	}
	deliverNotify(t, reg, p)
	for i := 0; i < 5; i++ {
		replies := deliverNotify(t, reg, p)
		require.Equal(t, [][]byte{[]byte("Received NOTIFY")}, replies)
	}

	require.Len(t, ms.CreditRows("tx1"), 1)
	requireBalance(t, ms, "user-7", "1.5")
}

func TestNotifyLateLowConfirmationReplay(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	require.NoError(t, ms.InsertAddress(context.Background(), "qzaddr1", "user-7"))

	deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 5, BlockHash: "blockA",
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	})
	// An out-of-order observation with fewer confirmations must not
	// regress the row or credit again.
	deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 0,
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	})

	row, ok := ms.Tx("tx1", store.TxTypeObservation, "")
	require.True(t, ok)
	require.EqualValues(t, 5, row.Confirms)
	require.True(t, row.Complete)
	require.Len(t, ms.CreditRows("tx1"), 1)
	requireBalance(t, ms, "user-7", "1.5")
}

func TestNotifyDuplicateCreditAbortsTransaction(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	ctx := context.Background()
	require.NoError(t, ms.InsertAddress(ctx, "qzaddr1", "user-7"))

	// Seed an inconsistent ledger: the credit row exists but the
	// observation row never completed. Ingestion must abort on the
	// duplicate credit and roll everything back.
	err := ms.WithTxn(ctx, func(tx store.Txn) error {
		if err := tx.UpsertTxRow(&store.WalletTransaction{
			TxID: "tx1", TxType: store.TxTypeObservation, Confirms: 1,
		}); err != nil {
			return err
		}
		return tx.InsertCreditRow(&store.WalletTransaction{
			TxID: "tx1", TxType: store.TxTypeCredit, UserID: "user-7",
			Amount: decimal.RequireFromString("1.5"),
		})
	})
	require.NoError(t, err)

	replies := deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3,
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "150000000"}},
	})
	// The peer still gets a normal acknowledgment so it stops resending.
	require.Equal(t, [][]byte{[]byte("Received NOTIFY")}, replies)

	// Rolled back: no balance was granted and the observation row kept
	// its pre-delivery state.
	requireBalance(t, ms, "user-7", "0")
	row, ok := ms.Tx("tx1", store.TxTypeObservation, "")
	require.True(t, ok)
	require.False(t, row.Complete)
	require.EqualValues(t, 1, row.Confirms)
}

func TestNotifyUnmappedAddressSkipped(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})

	deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3,
		Balances: []addressBalance{{Address: "qzstranger", Balance: "150000000"}},
	})

	require.Empty(t, ms.CreditRows("tx1"))
	row, ok := ms.Tx("tx1", store.TxTypeObservation, "")
	require.True(t, ok)
	require.True(t, row.Complete)
}

func TestNotifyMultipleOutputs(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	ctx := context.Background()
	require.NoError(t, ms.InsertAddress(ctx, "qzaddr1", "user-7"))
	require.NoError(t, ms.InsertAddress(ctx, "qzaddr2", "user-8"))

	deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3,
		Balances: []addressBalance{
			{Address: "qzaddr1", Balance: "100000000"},
			{Address: "qzaddr2", Balance: "50000000"},
			{Address: "qzunmapped", Balance: "25000000"},
		},
	})

	require.Len(t, ms.CreditRows("tx1"), 2)
	requireBalance(t, ms, "user-7", "1")
	requireBalance(t, ms, "user-8", "0.5")
}

func TestNotifyRepeatedAddressLastEntryWins(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	require.NoError(t, ms.InsertAddress(context.Background(), "qzaddr1", "user-7"))

	deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3,
		Balances: []addressBalance{
			{Address: "qzaddr1", Balance: "100000000"},
			{Address: "qzaddr1", Balance: "200000000"},
		},
	})

	require.Len(t, ms.CreditRows("tx1"), 1)
	requireBalance(t, ms, "user-7", "2")
}

func TestNotifyConcurrentDeliveries(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	ctx := context.Background()
	require.NoError(t, ms.InsertAddress(ctx, "qzaddr1", "user-7"))
	require.NoError(t, ms.InsertAddress(ctx, "qzaddr2", "user-8"))

	payloads := make([][]byte, 0, 2)
	for txid, ab := range map[string]addressBalance{
		"tx1": {Address: "qzaddr1", Balance: "100000000"},
		"tx2": {Address: "qzaddr2", Balance: "50000000"},
	} {
		raw, err := json.Marshal(&notifyPayload{TxID: txid, Coin: "BCH",
			Confirmations: 3, Balances: []addressBalance{ab}})
		require.NoError(t, err)
		payloads = append(payloads, raw)
	}

	// Hammer both transactions from many goroutines at once. Deliveries
	// of the same txid serialize on the keyed mutex and the row lock;
	// different txids proceed concurrently. Either way exactly one
	// credit per transaction may land.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		for _, raw := range payloads {
			wg.Add(1)
			go func(raw []byte) {
				defer wg.Done()
				rec := &replyRecorder{}
				reg.handlers[MsgNotify](intercom.Remote{ID: 2}, raw, rec.reply)
			}(raw)
		}
	}
	wg.Wait()

	require.Len(t, ms.CreditRows("tx1"), 1)
	require.Len(t, ms.CreditRows("tx2"), 1)
	requireBalance(t, ms, "user-7", "1")
	requireBalance(t, ms, "user-8", "0.5")

	for _, txid := range []string{"tx1", "tx2"} {
		row, ok := ms.Tx(txid, store.TxTypeObservation, "")
		require.True(t, ok)
		require.True(t, row.Complete)
		job, ok := ms.Job(txid)
		require.True(t, ok)
		require.Equal(t, store.JobStateProcessed, job.State)
	}
}

func TestNotifyMalformedPayloadDropped(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})

	rec := &replyRecorder{}
	reg.handlers[MsgNotify](intercom.Remote{ID: 2}, []byte("{broken"), rec.reply)
	require.Empty(t, rec.payloads, "a malformed NOTIFY must not be acknowledged by the handler")

	rec = &replyRecorder{}
	reg.handlers[MsgNotify](intercom.Remote{ID: 2}, []byte(`{"coin":"BCH"}`), rec.reply)
	require.Empty(t, rec.payloads, "a NOTIFY without a txid must not be acknowledged by the handler")

	_, ok := ms.Tx("", store.TxTypeObservation, "")
	require.False(t, ok)
}

func TestNotifyBadAmountFailsIngestion(t *testing.T) {
	_, ms, reg := newTestBroker(t, &fakeConn{})
	require.NoError(t, ms.InsertAddress(context.Background(), "qzaddr1", "user-7"))

	replies := deliverNotify(t, reg, &notifyPayload{
		TxID: "tx1", Coin: "BCH", Confirmations: 3,
		Balances: []addressBalance{{Address: "qzaddr1", Balance: "1.5"}},
	})
	require.Len(t, replies, 1)
	require.Contains(t, string(replies[0]), "NOTIFY failed")

	// The whole transaction rolled back, including the observation row.
	_, ok := ms.Tx("tx1", store.TxTypeObservation, "")
	require.False(t, ok)
	requireBalance(t, ms, "user-7", "0")
}
