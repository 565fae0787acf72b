package wire

import (
	"testing"

	"github.com/storjnode/overlay/identity"
)

type testPayload struct {
	Type  string `msgpack:"type"`
	Nonce uint64 `msgpack:"nonce"`
}

func TestSealAndVerify(t *testing.T) {
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, testPayload{Type: "info_req", Nonce: 42})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !env.Verify() {
		t.Fatalf("expected envelope to verify")
	}

	var got testPayload
	sender, ok := env.Open(&got)
	if !ok {
		t.Fatalf("expected envelope to open")
	}
	if sender != key.NodeID() {
		t.Fatalf("sender mismatch: got %s want %s", sender, key.NodeID())
	}
	if got.Type != "info_req" || got.Nonce != 42 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, testPayload{Type: "info_req", Nonce: 1})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.Payload[0] ^= 0xFF
	if env.Verify() {
		t.Fatalf("expected tampered envelope to fail verification")
	}
}

func TestVerifyRejectsWrongSender(t *testing.T) {
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := Seal(key, testPayload{Type: "info_req"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	env.SenderID = other.NodeID()
	if env.Verify() {
		t.Fatalf("expected envelope with forged sender to fail verification")
	}
}
