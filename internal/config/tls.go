package config

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNoCertificates = errors.New("tls certificate material not found")

// LoadTLS reads privkey.pem, cert.pem and chain.pem from dir. A missing file
// yields ErrNoCertificates so callers can fall back to plain HTTP.
func LoadTLS(dir string) (*tls.Config, error) {
	if dir == "" {
		return nil, ErrNoCertificates
	}

	keyPath := filepath.Join(dir, "privkey.pem")
	certPath := filepath.Join(dir, "cert.pem")
	chainPath := filepath.Join(dir, "chain.pem")
	for _, p := range []string{keyPath, certPath, chainPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoCertificates, p)
		}
	}

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	chain, err := os.ReadFile(chainPath)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	extra := intermediates(chain)
	if len(extra) == 0 {
		return nil, fmt.Errorf("chain %s contains no certificates", chainPath)
	}
	pair.Certificate = append(pair.Certificate, extra...)

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}, nil
}

func intermediates(pemData []byte) [][]byte {
	var out [][]byte
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			return out
		}
		if block.Type == "CERTIFICATE" {
			out = append(out, block.Bytes)
		}
	}
}
