// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"

	"github.com/gcash/walletbroker/internal/cfgutil"
	"github.com/gcash/walletbroker/intercom"
)

const (
	defaultLogDirname  = "logs"
	defaultLogFilename = "walletbroker.log"
	defaultDebugLevel  = "info"
	defaultAdminListen = "127.0.0.1:8337"
)

// config holds every runtime option. Intercom settings honor the
// documented environment contract through their env tags; the whole
// struct can also be built directly, which is how tests construct
// brokers without touching the process environment.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigDir   string `short:"C" long:"configdir" description:"Directory holding certificates and broker data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical} or <subsystem>=<level> pairs separated by commas"`

	Coin             string              `long:"coin" description:"Coin symbol served by the wallet peer"`
	DBConn           string              `long:"dbconn" env:"BROKER_DB" description:"Postgres connection string for the ledger"`
	ConfirmThreshold int64               `long:"confirmthreshold" description:"Confirmations required before crediting deposits"`
	Precision        int32               `long:"precision" description:"Fractional digits carried by the coin's balances"`
	MaxSend          *cfgutil.AmountFlag `long:"maxsend" description:"Largest single send-funds amount in smallest units (0 disables the cap)"`

	AdminListen string `long:"adminlisten" description:"Listen address for the operator API"`
	AuthToken   string `long:"authtoken" env:"BROKER_AUTH_TOKEN" description:"Operator API authentication token"`

	IntercomMode       int    `long:"intercommode" env:"INTERCOM_MODE" description:"Intercom security mode: 1 plaintext, 2 mutual TLS"`
	IntercomID         uint32 `long:"intercomid" env:"INTERCOM_ID" description:"This broker's intercom endpoint id"`
	IntercomPort       uint16 `long:"intercomport" env:"INTERCOM_PORT" description:"Local intercom listen port"`
	IntercomSiteName   string `long:"intercomsitename" env:"INTERCOM_SITENAME" description:"Site name selecting the certificate directory"`
	IntercomPassphrase string `long:"intercompassphrase" env:"INTERCOM_PASSPHRASE" description:"Passphrase for encrypted intercom private keys"`

	WalletIntercomID   uint32 `long:"walletintercomid" env:"SITE_INTERCOM_ID" description:"Endpoint id of the remote wallet process"`
	WalletIntercomPort uint16 `long:"walletintercomport" env:"SITE_INTERCOM_PORT" description:"Port of the remote wallet process"`
	WalletIntercomHost string `long:"walletintercomhost" env:"SITE_INTERCOM_HOST" description:"Host of the remote wallet process"`
}

// defaultConfig returns the baked-in defaults applied before flags, the
// environment, and any config file.
func defaultConfig() config {
	return config{
		DebugLevel:   defaultDebugLevel,
		AdminListen:  defaultAdminListen,
		IntercomMode: intercom.SecurityPlaintext,
		MaxSend:      cfgutil.NewAmountFlag(decimal.Zero),
	}
}

// loadConfig parses the command line, the environment, and the optional
// INI config file, then validates the result.
func loadConfig(configFile *string) (*config, error) {
	cfg := defaultConfig()
	parser := flags.NewParser(&cfg, flags.Default)
	if configFile != nil {
		if err := flags.NewIniParser(parser).ParseFile(*configFile); err != nil {
			return nil, fmt.Errorf("unable to parse config file: %w", err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	if cfg.ShowVersion {
		return &cfg, nil
	}

	if cfg.Coin == "" {
		return nil, errors.New("a coin symbol is required (--coin)")
	}
	if cfg.DBConn == "" {
		return nil, errors.New("a database connection string is required (--dbconn or BROKER_DB)")
	}
	if cfg.IntercomMode != intercom.SecurityPlaintext &&
		cfg.IntercomMode != intercom.SecurityMutualTLS {
		return nil, fmt.Errorf("unknown intercom mode %d", cfg.IntercomMode)
	}
	if cfg.IntercomMode == intercom.SecurityMutualTLS && cfg.IntercomSiteName == "" {
		return nil, errors.New("mutual TLS mode requires a site name (INTERCOM_SITENAME)")
	}
	if cfg.WalletIntercomHost == "" || cfg.WalletIntercomPort == 0 {
		return nil, errors.New("the wallet endpoint requires a host and port " +
			"(SITE_INTERCOM_HOST, SITE_INTERCOM_PORT)")
	}

	if cfg.ConfigDir == "" {
		cfg.ConfigDir = "."
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.ConfigDir, defaultLogDirname)
	}
	return &cfg, nil
}

// checkCreateDir ensures the path exists and is a directory.
func checkCreateDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0700)
		}
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("path %s exists but is not a directory", path)
	}
	return nil
}
