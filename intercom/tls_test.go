// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestCerts lays out a CA and server/client key pairs for sitename
// under <dir>/cert, matching the directory layout LoadMaterial expects.
// When passphrase is non-empty the private keys are PEM-encrypted.
func writeTestCerts(t *testing.T, dir, sitename, passphrase string) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl,
		&caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}

	issue := func(cn string, usage x509.ExtKeyUsage) ([]byte, *ecdsa.PrivateKey) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(time.Now().UnixNano()),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			DNSNames:     []string{sitename},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert,
			&key.PublicKey, caKey)
		if err != nil {
			t.Fatal(err)
		}
		return der, key
	}

	writePEM := func(path, blockType string, der []byte, encrypt bool) {
		t.Helper()
		block := &pem.Block{Type: blockType, Bytes: der}
		if encrypt {
			var err error
			block, err = x509.EncryptPEMBlock(rand.Reader, blockType, der,
				[]byte(passphrase), x509.PEMCipherAES256)
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
			t.Fatal(err)
		}
	}

	siteDir := filepath.Join(dir, "cert", sitename)
	if err := os.MkdirAll(siteDir, 0700); err != nil {
		t.Fatal(err)
	}
	writePEM(filepath.Join(dir, "cert", "CA.pem"), "CERTIFICATE", caDER, false)

	serverDER, serverKey := issue("server", x509.ExtKeyUsageServerAuth)
	clientDER, clientKey := issue("client", x509.ExtKeyUsageClientAuth)
	encrypted := passphrase != ""
	for name, pair := range map[string]struct {
		der []byte
		key *ecdsa.PrivateKey
	}{"server": {serverDER, serverKey}, "client": {clientDER, clientKey}} {
		writePEM(filepath.Join(siteDir, name+".pem"), "CERTIFICATE", pair.der, false)
		keyDER, err := x509.MarshalECPrivateKey(pair.key)
		if err != nil {
			t.Fatal(err)
		}
		writePEM(filepath.Join(siteDir, name+".key"), "EC PRIVATE KEY", keyDER, encrypted)
	}
}

func TestLoadMaterial(t *testing.T) {
	dir := t.TempDir()
	writeTestCerts(t, dir, "site1", "")

	m, err := LoadMaterial(dir, "site1", "")
	if err != nil {
		t.Fatalf("LoadMaterial: %v", err)
	}
	if len(m.ServerConfig.Certificates) != 1 || len(m.ClientConfig.Certificates) != 1 {
		t.Fatal("material is missing certificates")
	}
	if m.ClientConfig.ServerName != "site1" {
		t.Errorf("client ServerName %q, want site1", m.ClientConfig.ServerName)
	}
}

func TestLoadMaterialEncryptedKeys(t *testing.T) {
	dir := t.TempDir()
	writeTestCerts(t, dir, "site1", "opensesame")

	if _, err := LoadMaterial(dir, "site1", "opensesame"); err != nil {
		t.Fatalf("LoadMaterial with passphrase: %v", err)
	}
	if _, err := LoadMaterial(dir, "site1", "wrong"); err == nil {
		t.Fatal("LoadMaterial accepted a wrong passphrase")
	}
	if _, err := LoadMaterial(dir, "site1", ""); err == nil {
		t.Fatal("LoadMaterial accepted an empty passphrase for encrypted keys")
	}
}

func TestLoadMaterialMissingCA(t *testing.T) {
	if _, err := LoadMaterial(t.TempDir(), "site1", ""); err == nil {
		t.Fatal("LoadMaterial succeeded without a CA")
	}
}

func TestSessionMutualTLS(t *testing.T) {
	dir := t.TempDir()
	writeTestCerts(t, dir, "site1", "")
	material, err := LoadMaterial(dir, "site1", "")
	if err != nil {
		t.Fatal(err)
	}

	newTLSSession := func(ownID uint32, d *Dispatcher) *Session {
		s, err := NewSession(SessionConfig{
			OwnID:        ownID,
			ListenAddr:   "127.0.0.1:0",
			SecurityMode: SecurityMutualTLS,
			TLS:          material,
			Dispatcher:   d,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(s.Close)
		return s
	}

	bobDispatch := NewDispatcher()
	bobDispatch.Handle(100, func(remote Remote, payload []byte, reply ReplyFunc) {
		reply([]byte("over tls"))
	})

	alice := newTLSSession(1, NewDispatcher())
	bob := newTLSSession(2, bobDispatch)
	ep := connect(t, alice, 2, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := ep.SendCtx(ctx, 100, nil)
	if err != nil {
		t.Fatalf("SendCtx over TLS: %v", err)
	}
	if string(got) != "over tls" {
		t.Fatalf("reply %q", got)
	}
}
