package transport

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/tehmaze/x84/internal/logging"
)

const MinRSABits = 2048

// GenerateHostKey returns a PEM-encoded PKCS#8 private key of the given
// type ("rsa" or "ed25519").
func GenerateHostKey(keyType string, bits int) ([]byte, error) {
	var priv crypto.PrivateKey
	switch strings.ToLower(keyType) {
	case "", "rsa":
		if bits < MinRSABits {
			bits = MinRSABits
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		priv = k
	case "ed25519":
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		priv = k
	default:
		return nil, fmt.Errorf("unsupported host key type %q", keyType)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadOrCreateHostKey reads the host key at path, generating and saving
// one (mode 0600, public half alongside as .pub) on first start.
func LoadOrCreateHostKey(path, keyType string, bits int) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = GenerateHostKey(keyType, bits)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("write host key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(signer.PublicKey()), 0644); err != nil {
			return nil, fmt.Errorf("write public key: %w", err)
		}
		logger := logging.For(ProtoSSH)
		logger.Info().Str("path", path).Str("type", signer.PublicKey().Type()).
			Str("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())).Msg("generated host key")
		return signer, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}
