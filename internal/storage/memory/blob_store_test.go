package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"id":"u_1"}`)
	uri, err := store.PutObject(context.Background(), "raw/job-1/abc.json", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://raw/job-1/abc.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	stored, ok := store.Object("raw/job-1/abc.json")
	if !ok || string(stored) != `{"id":"u_1"}` {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
	stored[0] = 'Y'
	again, _ := store.Object("raw/job-1/abc.json")
	if again[0] != '{' {
		t.Fatal("expected Object to return a copy")
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", store.Len())
	}
}
