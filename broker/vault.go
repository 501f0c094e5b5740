package broker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/pbkdf2"
)

const (
	vaultSalt       = "rick-terminal/broker-credentials"
	vaultIterations = 100_000
	nonceSize       = 24
)

var ErrSealedCorrupt = errors.New("sealed credentials are corrupt")

// Vault seals broker credentials held in memory for reconnects.
type Vault struct {
	key [32]byte
}

func NewVault(secret string) *Vault {
	v := &Vault{}
	copy(v.key[:], pbkdf2.Key([]byte(secret), []byte(vaultSalt), vaultIterations, 32, sha256.New))
	return v
}

func (v *Vault) Seal(creds Credentials) ([]byte, error) {
	const op = "broker.Vault.Seal"

	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

func (v *Vault) Open(sealed []byte) (Credentials, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return Credentials{}, ErrSealedCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return Credentials{}, ErrSealedCorrupt
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, ErrSealedCorrupt
	}
	return creds, nil
}
