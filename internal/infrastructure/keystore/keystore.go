package keystore

import (
	"encoding/hex"
	"errors"
	"os"
	"sort"
	"strings"
)

// StaticKeyStore holds the payment-token issuer keys accepted by this node.
type StaticKeyStore struct {
	keys map[string][]byte
}

// NewFromEnv builds a keystore from environment variables.
// ISSUER_KEYS format: "keyId:hex,keyId2:hex".
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("ISSUER_KEYS")
	if raw != "" {
		pairs := strings.Split(raw, ",")
		for _, p := range pairs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				return nil, errors.New("invalid ISSUER_KEYS format")
			}
			keyID := parts[0]
			bytes, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, err
			}
			keys[keyID] = bytes
		}
	}
	return &StaticKeyStore{keys: keys}, nil
}

// NewStatic builds a keystore from explicit key ids; tests and ephemeral mode.
func NewStatic(keyIDs ...string) *StaticKeyStore {
	keys := make(map[string][]byte, len(keyIDs))
	for _, id := range keyIDs {
		keys[id] = nil
	}
	return &StaticKeyStore{keys: keys}
}

// IssuerKeyIDs lists the accepted issuer key ids in stable order.
func (s *StaticKeyStore) IssuerKeyIDs() []string {
	out := make([]string, 0, len(s.keys))
	for id := range s.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetKey returns the raw key material for a key id.
func (s *StaticKeyStore) GetKey(keyID string) ([]byte, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, errors.New("key not found")
	}
	return key, nil
}
