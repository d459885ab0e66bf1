package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/network"
)

// Kind discriminates the notification payload inside an envelope.
type Kind string

const (
	KindItemVote   Kind = "ITEM_VOTE"
	KindParcelVote Kind = "PARCEL_VOTE"
	KindResync     Kind = "RESYNC"
)

var validKinds = map[Kind]struct{}{
	KindItemVote:   {},
	KindParcelVote: {},
	KindResync:     {},
}

// Envelope is the signed peer-to-peer message frame.
type Envelope struct {
	Kind       Kind            `json:"kind"`
	FromNumber int             `json:"from_number"`
	FromName   string          `json:"from_name"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	PublicKey  string          `json:"public_key"` // base64 raw ed25519 public key
	Signature  string          `json:"signature"`  // base64 raw signature
}

type envelopeSignable struct {
	Kind       Kind            `json:"kind"`
	FromNumber int             `json:"from_number"`
	FromName   string          `json:"from_name"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	PublicKey  string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	signable := envelopeSignable{
		Kind:       e.Kind,
		FromNumber: e.FromNumber,
		FromName:   strings.TrimSpace(e.FromName),
		Timestamp:  e.Timestamp.UTC(),
		Payload:    e.Payload,
		PublicKey:  strings.TrimSpace(e.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable envelope fields.
func (e Envelope) ValidateBasic() error {
	if _, ok := validKinds[e.Kind]; !ok {
		return fmt.Errorf("unsupported kind: %s", e.Kind)
	}
	if e.FromNumber < 0 {
		return errors.New("from_number is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if len(e.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(e.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(e.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets the envelope public key/signature for the given private key.
func (e *Envelope) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	e.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates the envelope signature using the included public key.
func (e Envelope) Verify() error {
	if err := e.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

type ItemVotePayload struct {
	ItemID        string             `json:"item_id"`
	State         string             `json:"state"`
	Errors        []item.ErrorRecord `json:"errors,omitempty"`
	CreatedAt     *time.Time         `json:"created_at,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	RequestResult bool               `json:"request_result,omitempty"`
}

type ParcelVotePayload struct {
	ParcelID      string             `json:"parcel_id"`
	ItemID        string             `json:"item_id"`
	State         string             `json:"state"`
	Errors        []item.ErrorRecord `json:"errors,omitempty"`
	RequestResult bool               `json:"request_result,omitempty"`
	IsU           bool               `json:"is_u"`
}

type ResyncPayload struct {
	ItemID    string     `json:"item_id"`
	IsAnswer  bool       `json:"is_answer"`
	State     string     `json:"state,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Encode wraps a notification into an unsigned envelope.
func Encode(n network.Notification) (*Envelope, error) {
	env := &Envelope{
		FromNumber: n.Sender().Number,
		FromName:   n.Sender().Name,
		Timestamp:  time.Now().UTC(),
	}
	var payload interface{}
	switch msg := n.(type) {
	case network.ItemNotification:
		env.Kind = KindItemVote
		payload = ItemVotePayload{
			ItemID:        msg.ItemID.String(),
			State:         msg.Result.State.String(),
			Errors:        msg.Result.Errors,
			CreatedAt:     timePtr(msg.Result.CreatedAt),
			ExpiresAt:     timePtr(msg.Result.ExpiresAt),
			RequestResult: msg.RequestResult,
		}
	case network.ParcelNotification:
		env.Kind = KindParcelVote
		payload = ParcelVotePayload{
			ParcelID:      msg.ParcelID.String(),
			ItemID:        msg.ItemID.String(),
			State:         msg.Result.State.String(),
			Errors:        msg.Result.Errors,
			RequestResult: msg.RequestResult,
			IsU:           msg.IsU,
		}
	case network.ResyncNotification:
		env.Kind = KindResync
		payload = ResyncPayload{
			ItemID:    msg.ItemID.String(),
			IsAnswer:  msg.IsAnswer,
			State:     msg.State.String(),
			CreatedAt: timePtr(msg.CreatedAt),
			ExpiresAt: timePtr(msg.ExpiresAt),
		}
	default:
		return nil, fmt.Errorf("unsupported notification type %T", n)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = raw
	return env, nil
}

// Notification unwraps the envelope back into its typed notification.
func (e Envelope) Notification() (network.Notification, error) {
	from := network.NodeInfo{Number: e.FromNumber, Name: e.FromName}
	switch e.Kind {
	case KindItemVote:
		var p ItemVotePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		id, err := item.ParseID(p.ItemID)
		if err != nil {
			return nil, err
		}
		res := item.Result{State: item.ParseState(p.State), Errors: p.Errors}
		setTimes(&res, p.CreatedAt, p.ExpiresAt)
		return network.ItemNotification{From: from, ItemID: id, Result: res, RequestResult: p.RequestResult}, nil
	case KindParcelVote:
		var p ParcelVotePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		parcelID, err := item.ParseID(p.ParcelID)
		if err != nil {
			return nil, err
		}
		itemID, err := item.ParseID(p.ItemID)
		if err != nil {
			return nil, err
		}
		return network.ParcelNotification{
			From:          from,
			ParcelID:      parcelID,
			ItemID:        itemID,
			Result:        item.Result{State: item.ParseState(p.State), Errors: p.Errors},
			RequestResult: p.RequestResult,
			IsU:           p.IsU,
		}, nil
	case KindResync:
		var p ResyncPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, err
		}
		id, err := item.ParseID(p.ItemID)
		if err != nil {
			return nil, err
		}
		msg := network.ResyncNotification{From: from, ItemID: id, IsAnswer: p.IsAnswer}
		if p.State != "" {
			msg.State = item.ParseState(p.State)
		}
		if p.CreatedAt != nil {
			msg.CreatedAt = *p.CreatedAt
		}
		if p.ExpiresAt != nil {
			msg.ExpiresAt = *p.ExpiresAt
		}
		return msg, nil
	}
	return nil, fmt.Errorf("unsupported kind: %s", e.Kind)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func setTimes(res *item.Result, created, expires *time.Time) {
	if created != nil {
		res.CreatedAt = *created
	}
	if expires != nil {
		res.ExpiresAt = *expires
	}
}
