package shout

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

// wrapTLS upgrades the raw connection according to the configured mode.
func (s *Shout) wrapTLS(conn net.Conn) (net.Conn, error) {
	cfg := &tls.Config{
		ServerName: s.conf.Hostname,
	}

	if s.conf.CAFile != "" || s.conf.CADir != "" {
		pool, err := s.loadRoots()
		if err != nil {
			conn.Close()
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if s.conf.ClientCert != "" {
		cert, err := tls.LoadX509KeyPair(s.conf.ClientCert, s.conf.ClientCert)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("shout: client certificate: %w", dsp.ErrTLSBadCert)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	tconn := tls.Client(conn, cfg)
	if err := tconn.Handshake(); err != nil {
		conn.Close()
		var verifyErr *tls.CertificateVerificationError
		if errors.As(err, &verifyErr) {
			return nil, fmt.Errorf("shout: tls verify: %w", dsp.ErrTLSBadCert)
		}
		return nil, fmt.Errorf("shout: tls handshake: %w", dsp.ErrNoTLS)
	}
	return tconn, nil
}

// loadRoots builds the trust pool from the configured CA file and/or
// directory of PEM files.
func (s *Shout) loadRoots() (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	if s.conf.CAFile != "" {
		pem, err := os.ReadFile(s.conf.CAFile)
		if err != nil || !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("shout: ca file %q: %w", s.conf.CAFile, dsp.ErrTLSBadCert)
		}
	}

	if s.conf.CADir != "" {
		entries, err := os.ReadDir(s.conf.CADir)
		if err != nil {
			return nil, fmt.Errorf("shout: ca directory %q: %w", s.conf.CADir, dsp.ErrTLSBadCert)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(s.conf.CADir, entry.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(pem)
		}
	}

	return pool, nil
}
