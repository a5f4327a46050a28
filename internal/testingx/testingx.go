// Package testingx contains testing extensions
package testingx

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/rtx"
	"github.com/ooni/unio/loop"
)

// Timeout is the maximum time we wait for an event in tests.
const Timeout = 10 * time.Second

// StartLoop creates a loop and runs it in a background goroutine. The
// returned function stops the loop and waits for Run to return.
func StartLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	l := loop.New(log.Log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		<-done
		l.Uninit()
	}
}

// Wait waits for ch to be readable or fails the test on timeout.
func Wait[T any](t *testing.T, ch chan T) (v T) {
	t.Helper()
	select {
	case v = <-ch:
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for event")
	}
	return
}

// Sync waits until all the tasks already posted to l have run.
func Sync(t *testing.T, l *loop.Loop) {
	t.Helper()
	done := make(chan struct{})
	l.Post(func() { close(done) })
	Wait(t, done)
}

// TLSMaterial contains a self signed certificate along with the
// configurations for using it on the server and the client side.
type TLSMaterial struct {
	Client *tls.Config
	Server *tls.Config
}

// NewTLSMaterial generates a self signed certificate valid for
// the given server name and for 127.0.0.1.
func NewTLSMaterial(serverName string) *TLSMaterial {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	rtx.Must(err, "ecdsa.GenerateKey failed")
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	rtx.Must(err, "x509.CreateCertificate failed")
	cert, err := x509.ParseCertificate(der)
	rtx.Must(err, "x509.ParseCertificate failed")
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &TLSMaterial{
		Client: &tls.Config{RootCAs: pool, ServerName: serverName},
		Server: &tls.Config{Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        cert,
		}}},
	}
}
