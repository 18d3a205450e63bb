package vault

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type memStore struct {
	rows map[string][]byte
}

func newMemStore() *memStore { return &memStore{rows: map[string][]byte{}} }

func (s *memStore) slot(orgID, key string) string { return orgID + "\x00" + key }

func (s *memStore) Put(ctx context.Context, orgID, key string, ct []byte) error {
	s.rows[s.slot(orgID, key)] = ct
	return nil
}

func (s *memStore) Get(ctx context.Context, orgID, key string) ([]byte, error) {
	ct, ok := s.rows[s.slot(orgID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return ct, nil
}

func (s *memStore) Delete(ctx context.Context, orgID, key string) error {
	delete(s.rows, s.slot(orgID, key))
	return nil
}

func (s *memStore) List(ctx context.Context, orgID string) ([]string, error) {
	var out []string
	for slot := range s.rows {
		if len(slot) > len(orgID) && slot[:len(orgID)] == orgID {
			out = append(out, slot[len(orgID)+1:])
		}
	}
	return out, nil
}

func testKey() []byte { return bytes.Repeat([]byte("k"), 32) }

func TestNew_KeyLength(t *testing.T) {
	if _, err := New([]byte("short"), newMemStore()); !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("err = %v, want ErrKeyTooShort", err)
	}
	if _, err := New(testKey(), newMemStore()); err != nil {
		t.Errorf("32-byte key rejected: %v", err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	store := newMemStore()
	v, err := New(testKey(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := v.Put(ctx, "org-1", "api_token", "s3cret"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := v.Get(ctx, "org-1", "api_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Get = %q", got)
	}

	// Ciphertext at rest must not contain the plaintext.
	for _, ct := range store.rows {
		if bytes.Contains(ct, []byte("s3cret")) {
			t.Error("plaintext leaked into stored ciphertext")
		}
	}
}

func TestGet_Missing(t *testing.T) {
	v, err := New(testKey(), newMemStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.Get(context.Background(), "org-1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGet_SlotBinding(t *testing.T) {
	store := newMemStore()
	v, err := New(testKey(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := v.Put(ctx, "org-1", "api_token", "s3cret"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Copy the ciphertext into another slot; decryption must fail
	// because the associated data no longer matches.
	store.rows[store.slot("org-2", "api_token")] = store.rows[store.slot("org-1", "api_token")]
	if _, err := v.Get(ctx, "org-2", "api_token"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestGet_TamperedCiphertext(t *testing.T) {
	store := newMemStore()
	v, err := New(testKey(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := v.Put(ctx, "org-1", "api_token", "s3cret"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	slot := store.slot("org-1", "api_token")
	store.rows[slot][len(store.rows[slot])-1] ^= 0xff
	if _, err := v.Get(ctx, "org-1", "api_token"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestDifferentKeysCannotOpen(t *testing.T) {
	store := newMemStore()
	v1, err := New(testKey(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v2, err := New(bytes.Repeat([]byte("x"), 32), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := v1.Put(ctx, "org-1", "api_token", "s3cret"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := v2.Get(ctx, "org-1", "api_token"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}
