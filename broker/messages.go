// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package broker

// Intercom message ids of the wallet protocol. The numeric assignments
// are a wire contract with the installed wallet peer and must not change.
const (
	MsgStart   uint16 = 1
	MsgStop    uint16 = 2
	MsgRestart uint16 = 3
	MsgReindex uint16 = 4
	MsgResync  uint16 = 5
	MsgRescan  uint16 = 6

	MsgNewAddress     uint16 = 10
	MsgAddresses      uint16 = 11
	MsgAddressBalance uint16 = 12
	MsgIDBalance      uint16 = 13
	MsgBestBlockHash  uint16 = 14
	MsgInfo           uint16 = 15

	MsgSendFunds uint16 = 20
	MsgReplay    uint16 = 21
	MsgCrawl     uint16 = 22

	MsgNotify    uint16 = 100
	MsgHeartbeat uint16 = 101
)
