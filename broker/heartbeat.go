// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"encoding/json"

	"github.com/gcash/walletbroker/intercom"
	"github.com/gcash/walletbroker/store"
)

// heartbeatPayload is the wallet's periodic health snapshot.
type heartbeatPayload struct {
	Coin          string `json:"coin"`
	Online        bool   `json:"online"`
	Synced        bool   `json:"synced"`
	Crawling      bool   `json:"crawling"`
	BlockHeight   int64  `json:"blockheight"`
	BestBlockHash string `json:"bestBlockHash"`
	BlockTime     int64  `json:"blocktime"`
}

// handleHeartbeat upserts the coin's status row. Heartbeats are
// snapshots, so concurrent deliveries for the same coin resolve to
// last-writer-wins.
func (b *Broker) handleHeartbeat(remote intercom.Remote, payload []byte, reply intercom.ReplyFunc) {
	var p heartbeatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Errorf("Dropping HEARTBEAT from peer %d: %v", remote.ID,
			&intercom.FrameDecodeError{MessageID: MsgHeartbeat, Err: err})
		return
	}
	if p.Coin == "" {
		log.Errorf("Dropping HEARTBEAT from peer %d with empty coin", remote.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	err := b.store.UpsertStatus(ctx, &store.WalletStatus{
		Type:        p.Coin,
		Online:      p.Online,
		Synced:      p.Synced,
		Crawling:    p.Crawling,
		BlockHeight: p.BlockHeight,
		BlockHash:   p.BestBlockHash,
		BlockTime:   p.BlockTime,
	})
	if err != nil {
		log.Errorf("Unable to record HEARTBEAT for %s: %v", p.Coin, err)
		if rerr := reply([]byte("HEARTBEAT failed: " + err.Error())); rerr != nil {
			log.Errorf("Unable to reply to HEARTBEAT for %s: %v", p.Coin, rerr)
		}
		return
	}
	log.Tracef("HEARTBEAT for %s: online=%v synced=%v crawling=%v height=%d",
		p.Coin, p.Online, p.Synced, p.Crawling, p.BlockHeight)
	if err := reply([]byte("Received HEARTBEAT")); err != nil {
		log.Errorf("Unable to reply to HEARTBEAT for %s: %v", p.Coin, err)
	}
}
