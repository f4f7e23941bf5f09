package ids

import "testing"

func TestLocalIDs(t *testing.T) {
	id := NewLocalID()
	if !IsLocal(id) {
		t.Fatalf("NewLocalID must carry the local prefix: %s", id)
	}
	if IsLocal("srv-123") {
		t.Fatalf("remote id must not read as local")
	}
	if NewLocalID() == NewLocalID() {
		t.Fatalf("local ids must be unique")
	}
}

func TestIdempotencyKeys(t *testing.T) {
	a := NewIdempotencyKey()
	b := NewIdempotencyKey()
	if a == "" || a == b {
		t.Fatalf("keys must be unique and non-empty")
	}
}
