package item

import (
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/sha3"
)

// IDSize is the length of an item digest in bytes.
const IDSize = 32

// ID is the content address of an item: a SHA3-256 digest of its packed bytes.
type ID [IDSize]byte

var ErrBadID = errors.New("malformed item id")

// NewID digests packed item bytes.
func NewID(packed []byte) ID {
	return ID(sha3.Sum256(packed))
}

// ParseID decodes a base64url item id.
func ParseID(s string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != IDSize {
		return ID{}, ErrBadID
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// Bytes returns the digest as a slice for storage drivers.
func (id ID) Bytes() []byte {
	out := make([]byte, IDSize)
	copy(out, id[:])
	return out
}

// IDFromBytes rebuilds an ID from a stored digest.
func IDFromBytes(raw []byte) (ID, error) {
	if len(raw) != IDSize {
		return ID{}, ErrBadID
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}
