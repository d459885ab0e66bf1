// Package parcel pairs a payment item with the payload it pays for. Payload
// registration is conditioned on the payment reaching positive consensus.
package parcel

import (
	"encoding/json"
	"errors"

	"github.com/notary-node/notary-node/internal/domain/item"
)

// ID is the content address of a parcel: the digest of the two item ids.
type ID = item.ID

var (
	ErrNoPayment = errors.New("parcel has no payment item")
	ErrNoPayload = errors.New("parcel has no payload item")
)

// Parcel bundles exactly two items submitted together.
type Parcel struct {
	Payment *item.BasicItem `json:"payment"`
	Payload *item.BasicItem `json:"payload"`
	// QuantaLimit bounds the payload's checking budget; 0 means the
	// node-configured default.
	QuantaLimit int `json:"quantaLimit,omitempty"`
}

// Validate checks structural completeness.
func (p *Parcel) Validate() error {
	if p.Payment == nil {
		return ErrNoPayment
	}
	if p.Payload == nil {
		return ErrNoPayload
	}
	if !p.Payment.ShouldBeU() {
		return errors.New("payment item is not a payment token")
	}
	return nil
}

// ID derives the parcel id from the payment and payload ids.
func (p *Parcel) ID() ID {
	pay := p.Payment.ID()
	load := p.Payload.ID()
	joined := make([]byte, 0, item.IDSize*2)
	joined = append(joined, pay[:]...)
	joined = append(joined, load[:]...)
	return item.NewID(joined)
}

// Pack serializes the parcel for network transfer.
func (p *Parcel) Pack() ([]byte, error) {
	return json.Marshal(p)
}

// Unpack decodes a packed parcel and validates it.
func Unpack(data []byte) (*Parcel, error) {
	var p Parcel
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
