package wire

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/storjnode/overlay/identity"
)

// Envelope is the signed container every application message travels in:
// {payload, sender_node_id, signature}, per spec.md §3. Signature covers
// the canonical MessagePack serialization of Payload.
type Envelope struct {
	Payload   []byte          `msgpack:"payload"`
	SenderID  identity.NodeID `msgpack:"sender_node_id"`
	Signature []byte          `msgpack:"signature"`
}

// digest returns the signing/verification digest for a canonical payload.
func digest(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// Seal packs v as the envelope payload and signs it with key, producing a
// ready-to-send Envelope.
func Seal(key *identity.Key, v interface{}) (*Envelope, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	d := digest(payload)
	sig, err := key.Sign(d[:])
	if err != nil {
		return nil, fmt.Errorf("wire: seal: %w", err)
	}
	return &Envelope{
		Payload:   payload,
		SenderID:  key.NodeID(),
		Signature: sig,
	}, nil
}

// Verify checks the envelope's signature recovers to a public key whose
// derived node id matches the envelope's claimed SenderID. Unverifiable
// envelopes must be silently dropped by the caller per spec.md §3/§7.
func (e *Envelope) Verify() bool {
	if len(e.Signature) == 0 || e.SenderID.IsZero() {
		return false
	}
	d := digest(e.Payload)
	pubkey, err := identity.RecoverPublicKey(d[:], e.Signature)
	if err != nil {
		return false
	}
	recovered := identity.NodeIDFromPublicKey(pubkey)
	if !bytes.Equal(recovered[:], e.SenderID[:]) {
		return false
	}
	return identity.VerifySignature(pubkey, d[:], e.Signature)
}

// Open verifies the envelope and, if valid, unmarshals its payload into v.
func (e *Envelope) Open(v interface{}) (identity.NodeID, bool) {
	if !e.Verify() {
		return identity.NodeID{}, false
	}
	if err := Unmarshal(e.Payload, v); err != nil {
		return identity.NodeID{}, false
	}
	return e.SenderID, true
}
