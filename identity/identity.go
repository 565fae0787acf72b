// Package identity derives overlay node ids and wallet addresses from
// secp256k1 keys, the same way the Storj overlay derives a node's address
// from its wallet's public key.
package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

// IDLength is the byte length of a NodeID (160 bits).
const IDLength = 20

// addressVersion is the base58check version byte for mainnet wallet
// addresses, matching Bitcoin's P2PKH version.
const addressVersion = 0x00

// NodeID is a 160-bit overlay identifier, derived the same way a Bitcoin
// P2PKH address hashes a public key: RIPEMD160(SHA256(pubkey)).
type NodeID [IDLength]byte

// String renders the id as hex.
func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Bytes returns the id's 20 raw bytes.
func (id NodeID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// NodeIDFromBytes builds a NodeID from a 20-byte slice.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, fmt.Errorf("identity: node id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Key is a node's identity key pair.
type Key struct {
	Private *ecdsa.PrivateKey
}

// GenerateKey creates a fresh secp256k1 identity key.
func GenerateKey() (*Key, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Key{Private: priv}, nil
}

// PublicKeyBytes returns the uncompressed public key encoding used for
// address/node-id derivation.
func (k *Key) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(&k.Private.PublicKey)
}

// NodeID derives this key's overlay node id.
func (k *Key) NodeID() NodeID {
	return NodeIDFromPublicKey(k.PublicKeyBytes())
}

// Address derives this key's base58check wallet address.
func (k *Key) Address() string {
	return AddressFromPublicKey(k.PublicKeyBytes())
}

// Sign signs the canonical digest of a payload (see wire.Seal) with this
// node's private key.
func (k *Key) Sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, k.Private)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// hash160 computes RIPEMD160(SHA256(data)), the address/node-id hash used
// throughout the overlay.
func hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}

// Hash160 computes RIPEMD160(SHA256(data)), exported so callers can derive
// predictable node ids from arbitrary keys (e.g. the monitor's DHT slot
// naming scheme) using the same hash the overlay uses for node ids.
func Hash160(data []byte) []byte {
	return hash160(data)
}

// NodeIDFromPublicKey derives the overlay node id for an uncompressed
// public key.
func NodeIDFromPublicKey(pubkey []byte) NodeID {
	var id NodeID
	copy(id[:], hash160(pubkey))
	return id
}

// AddressFromPublicKey derives the base58check wallet address for an
// uncompressed public key.
func AddressFromPublicKey(pubkey []byte) string {
	return base58.CheckEncode(hash160(pubkey), addressVersion)
}

// AddressFromNodeID re-encodes a node id as its base58check wallet address.
// Both wrap the same RIPEMD160(SHA256(pubkey)) payload, so this is the
// inverse of NodeIDFromAddress without needing the original public key.
func AddressFromNodeID(id NodeID) string {
	return base58.CheckEncode(id[:], addressVersion)
}

// NodeIDFromAddress recovers the node id encoded in a base58check wallet
// address, without needing the public key. This is how peers derive a
// remote node's expected id from the address embedded in a signed message.
func NodeIDFromAddress(address string) (NodeID, error) {
	decoded, version, err := base58.CheckDecode(address)
	if err != nil {
		return NodeID{}, fmt.Errorf("identity: decode address: %w", err)
	}
	if version != addressVersion {
		return NodeID{}, fmt.Errorf("identity: unexpected address version %d", version)
	}
	return NodeIDFromBytes(decoded)
}

// VerifySignature checks that signature (65-byte [R || S || V]) was produced
// by the private key behind pubkey over digest.
func VerifySignature(pubkey, digest, signature []byte) bool {
	if len(signature) < 1 {
		return false
	}
	return crypto.VerifySignature(pubkey, digest, signature[:len(signature)-1])
}

// RecoverPublicKey recovers the signer's uncompressed public key from a
// digest and signature, used when the envelope carries no explicit pubkey
// and only claims a node id via its sender address.
func RecoverPublicKey(digest, signature []byte) ([]byte, error) {
	pub, err := crypto.Ecrecover(digest, signature)
	if err != nil {
		return nil, fmt.Errorf("identity: recover pubkey: %w", err)
	}
	return pub, nil
}
