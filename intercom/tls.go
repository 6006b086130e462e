// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Security modes for a session. In mutual TLS mode both peers present
// certificates signed by a shared CA and verify the peer against it.
const (
	SecurityPlaintext = 1
	SecurityMutualTLS = 2
)

// Material holds the TLS configurations for both directions of a session.
// It is built from the on-disk certificate layout:
//
//	<configDir>/cert/CA.pem
//	<configDir>/cert/<sitename>/server.key
//	<configDir>/cert/<sitename>/server.pem
//	<configDir>/cert/<sitename>/client.key
//	<configDir>/cert/<sitename>/client.pem
type Material struct {
	ServerConfig *tls.Config
	ClientConfig *tls.Config
}

// LoadMaterial reads the CA and both key pairs from the certificate
// directory. Private keys encrypted with a PEM passphrase are decrypted
// with the supplied passphrase. Failure here is fatal to startup by
// policy; the caller should not attempt to continue without TLS.
func LoadMaterial(configDir, sitename, passphrase string) (*Material, error) {
	certDir := filepath.Join(configDir, "cert")
	caPEM, err := os.ReadFile(filepath.Join(certDir, "CA.pem"))
	if err != nil {
		return nil, fmt.Errorf("unable to read CA certificate: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no usable certificates in CA.pem")
	}

	siteDir := filepath.Join(certDir, sitename)
	serverCert, err := loadKeyPair(
		filepath.Join(siteDir, "server.pem"),
		filepath.Join(siteDir, "server.key"),
		passphrase,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load server key pair: %w", err)
	}
	clientCert, err := loadKeyPair(
		filepath.Join(siteDir, "client.pem"),
		filepath.Join(siteDir, "client.key"),
		passphrase,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load client key pair: %w", err)
	}

	return &Material{
		ServerConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientCAs:    caPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
		},
		ClientConfig: &tls.Config{
			Certificates: []tls.Certificate{clientCert},
			RootCAs:      caPool,
			ServerName:   sitename,
			MinVersion:   tls.VersionTLS12,
		},
	}, nil
}

// loadKeyPair reads a certificate/key pair, decrypting the key first when
// it carries RFC 1423 encryption headers.
func loadKeyPair(certPath, keyPath, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM data in %s", keyPath)
	}
	if x509.IsEncryptedPEMBlock(block) {
		if passphrase == "" {
			return tls.Certificate{}, fmt.Errorf("%s is encrypted but no "+
				"passphrase was configured", keyPath)
		}
		der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("unable to decrypt %s: %w",
				keyPath, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
