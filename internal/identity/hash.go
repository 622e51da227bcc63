package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length in bytes of an identity hash.
const HashSize = blake2b.Size256

var (
	ErrEmptyKey     = errors.New("canonical key is empty")
	ErrHashMismatch = errors.New("identity hash does not match canonical key")
)

// Identity pairs a canonical key with its hash. The hash is always derived
// from the key, so the two cannot drift apart.
type Identity struct {
	key  string
	hash [HashSize]byte
}

// NewIdentity hashes a canonical key.
func NewIdentity(key string) (Identity, error) {
	if key == "" {
		return Identity{}, ErrEmptyKey
	}
	return Identity{key: key, hash: HashKey(key)}, nil
}

// FromOutcome returns the identity of a keyed outcome.
func FromOutcome(o Outcome) (Identity, bool) {
	key, ok := o.Key()
	if !ok {
		return Identity{}, false
	}
	id, err := NewIdentity(key)
	if err != nil {
		return Identity{}, false
	}
	return id, true
}

// HashKey returns the BLAKE2b-256 digest of key.
func HashKey(key string) [HashSize]byte {
	return blake2b.Sum256([]byte(key))
}

func (i Identity) Key() string { return i.key }

func (i Identity) Hash() []byte {
	out := make([]byte, HashSize)
	copy(out, i.hash[:])
	return out
}

func (i Identity) HashHex() string { return hex.EncodeToString(i.hash[:]) }

func (i Identity) IsZero() bool { return i.key == "" }

// Verify checks that a stored key and hash belong to this identity.
func (i Identity) Verify(storedKey string, storedHash []byte) error {
	if storedKey != i.key {
		return fmt.Errorf("%w: stored key %q, computed key %q", ErrHashMismatch, storedKey, i.key)
	}
	if !bytes.Equal(storedHash, i.hash[:]) {
		return fmt.Errorf("%w: key %q", ErrHashMismatch, i.key)
	}
	return nil
}
