// Package wire implements the overlay's MessagePack wire encoding and the
// signed envelope every application message travels inside.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v as MessagePack, the wire format spec.md §6 mandates for
// every RPC argument and envelope.
func Marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes MessagePack bytes into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}
