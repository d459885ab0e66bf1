package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/network"
)

func TestEnvelopeSignAndVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Encode(network.ItemNotification{
		From:          network.NodeInfo{Number: 1, Name: "node-1"},
		ItemID:        item.NewID([]byte("payload")),
		Result:        item.Result{State: item.StatePendingPositive},
		RequestResult: true,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := env.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := env.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	env.FromName = "node-2"
	if err := env.Verify(); err == nil {
		t.Fatalf("expected verify failure after tamper")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	created := time.Now().UTC().Truncate(time.Second)
	in := network.ResyncNotification{
		From:      network.NodeInfo{Number: 3, Name: "node-3"},
		ItemID:    item.NewID([]byte("state query")),
		IsAnswer:  true,
		State:     item.StateApproved,
		CreatedAt: created,
	}
	env, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := env.Notification()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(network.ResyncNotification)
	if !ok {
		t.Fatalf("unexpected type %T", out)
	}
	if got.ItemID != in.ItemID || got.State != in.State || !got.IsAnswer {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: %v vs %v", got.CreatedAt, created)
	}
}
