// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package boot assembles and runs the broker process: configuration,
// logging, the database-backed ledger, the intercom session to the
// wallet peer, and the operator API.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/gcash/walletbroker/broker"
	"github.com/gcash/walletbroker/intercom"
	"github.com/gcash/walletbroker/rpc/adminrpc"
	"github.com/gcash/walletbroker/store"
)

const version = "0.2.0"

// BrokerMain starts the broker and blocks until an interrupt or a
// shutdown request arrives. configFile optionally points at an INI file
// parsed before flags and the environment.
func BrokerMain(configFile *string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println("walletbroker version", version)
		return nil
	}

	if err := checkCreateDir(cfg.LogDir); err != nil {
		return err
	}
	if err := initLogRotator(cfg.LogDir + "/" + defaultLogFilename); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	bootLog.Infof("Version %s", version)

	ctx := context.Background()

	pg, err := store.NewPostgresStore(ctx, cfg.DBConn)
	if err != nil {
		bootLog.Errorf("Unable to open the ledger database: %v", err)
		return err
	}
	defer pg.Close()
	if err := pg.CreateTables(ctx); err != nil {
		bootLog.Errorf("Unable to bring up the ledger schema: %v", err)
		return err
	}

	// Missing or unreadable TLS material is fatal by policy; the broker
	// must not silently fall back to plaintext.
	var material *intercom.Material
	if cfg.IntercomMode == intercom.SecurityMutualTLS {
		material, err = intercom.LoadMaterial(
			cfg.ConfigDir, cfg.IntercomSiteName, cfg.IntercomPassphrase)
		if err != nil {
			bootLog.Errorf("Unable to load TLS material: %v", err)
			return err
		}
	}

	dispatcher := intercom.NewDispatcher()
	session, err := intercom.NewSession(intercom.SessionConfig{
		OwnID:        cfg.IntercomID,
		ListenAddr:   fmt.Sprintf(":%d", cfg.IntercomPort),
		SecurityMode: cfg.IntercomMode,
		TLS:          material,
		Dispatcher:   dispatcher,
	})
	if err != nil {
		return err
	}
	if err := session.Start(); err != nil {
		bootLog.Errorf("Unable to bind the intercom listener: %v", err)
		return err
	}
	defer session.Close()

	walletEndpoint := session.AddEndpoint(
		cfg.WalletIntercomID, cfg.WalletIntercomHost, cfg.WalletIntercomPort)

	bkr, err := broker.New(&broker.Config{
		Coin:             cfg.Coin,
		Conn:             walletEndpoint,
		Dispatcher:       dispatcher,
		Store:            pg,
		ConfirmThreshold: cfg.ConfirmThreshold,
		Precision:        cfg.Precision,
	})
	if err != nil {
		return err
	}
	bootLog.Infof("Broker for %s ready; wallet peer %d at %s:%d",
		bkr.Coin(), cfg.WalletIntercomID, cfg.WalletIntercomHost,
		cfg.WalletIntercomPort)

	adminServer := adminrpc.NewServer(adminrpc.Config{
		ListenAddr:   cfg.AdminListen,
		AuthToken:    cfg.AuthToken,
		Brokers:      map[string]adminrpc.WalletCommander{cfg.Coin: bkr},
		Status:       pg,
		MaxSendUnits: cfg.MaxSend.Decimal,
	})
	adminServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			bootLog.Warnf("Operator API shutdown: %v", err)
		}
	}()

	<-interruptListener()
	bootLog.Info("Broker shutting down")
	return nil
}
