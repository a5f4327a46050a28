// Package tlsconf helps with configuring TLS engines.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

// ErrNoCertificates indicates a CA bundle without certificates.
var ErrNoCertificates = errors.New("tlsconf: no certificates in CA bundle")

// SetCABundle configures conf to trust the PEM certificates in path.
func SetCABundle(conf *tls.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return ErrNoCertificates
	}
	conf.RootCAs = pool
	return nil
}

// NewClientConfig returns the config used by the command line tools.
func NewClientConfig(sni, caBundle string, insecure bool) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: insecure,
	}
	if caBundle != "" {
		if err := SetCABundle(conf, caBundle); err != nil {
			return nil, err
		}
	}
	return conf, nil
}
