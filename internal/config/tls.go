package config

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"
)

// Enabled reports whether a certificate and key are configured.
func (t TLS) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// ServerConfig loads the certificate, key and optional intermediate chain.
// Chain certificates are appended after the leaf in the order they appear.
func (t TLS) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(DataFile(t.Cert), DataFile(t.Key))
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	if t.Chain != "" {
		data, err := os.ReadFile(DataFile(t.Chain))
		if err != nil {
			return nil, fmt.Errorf("read chain: %w", err)
		}
		for {
			var block *pem.Block
			block, data = pem.Decode(data)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert.Certificate = append(cert.Certificate, block.Bytes)
			}
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
