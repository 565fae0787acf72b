package message

import (
	"testing"

	"github.com/storjnode/overlay/identity"
)

func TestHistoryDetectsDuplicate(t *testing.T) {
	h := NewHistory(10)
	var dest identity.NodeID
	dest[0] = 1
	payload := []byte("payload")

	if h.CheckAndAdd(dest, payload) {
		t.Fatalf("expected first sighting to not be a duplicate")
	}
	if !h.CheckAndAdd(dest, payload) {
		t.Fatalf("expected second sighting to be detected as a duplicate")
	}
}

func TestHistoryEvictsOldestOnOverflow(t *testing.T) {
	h := NewHistory(2)
	var dest identity.NodeID

	for i := byte(0); i < 3; i++ {
		h.CheckAndAdd(dest, []byte{i})
	}
	if h.Len() != 2 {
		t.Fatalf("expected retention limit of 2, got %d", h.Len())
	}
	// The oldest entry (payload 0) should have been evicted and so is no
	// longer considered a duplicate.
	if h.CheckAndAdd(dest, []byte{0}) {
		t.Fatalf("expected evicted entry to no longer be tracked")
	}
}
