package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memAuthStore struct {
	keys       map[string]*Key
	identities map[string]*Identity
}

func newMemAuthStore() *memAuthStore {
	return &memAuthStore{keys: map[string]*Key{}, identities: map[string]*Identity{}}
}

func (s *memAuthStore) GetKey(ctx context.Context, hash string) (*Key, error) {
	k, ok := s.keys[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

func (s *memAuthStore) ListKeys(ctx context.Context) ([]*Key, error) {
	out := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *memAuthStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	i, ok := s.identities[id]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return i, nil
}

func TestAuthenticate_SHA256Key(t *testing.T) {
	store := newMemAuthStore()
	store.identities["id-1"] = &Identity{ID: "id-1", OrgID: "org-1", AgentID: "agent-1", Roles: []Role{RoleAgent}}
	store.keys[HashKey("agent-raw-key")] = &Key{Hash: HashKey("agent-raw-key"), IdentityID: "id-1"}
	svc := NewService(store)

	identity, err := svc.Authenticate(context.Background(), "agent-raw-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.AgentID != "agent-1" || !identity.HasRole(RoleAgent) {
		t.Errorf("identity = %+v", identity)
	}
}

func TestAuthenticate_Argon2idKey(t *testing.T) {
	store := newMemAuthStore()
	store.identities["id-2"] = &Identity{ID: "id-2", OrgID: "org-1", Roles: []Role{RoleOperator}}
	hash, err := HashKeyArgon2id("operator-raw-key")
	if err != nil {
		t.Fatalf("HashKeyArgon2id: %v", err)
	}
	store.keys[hash] = &Key{Hash: hash, IdentityID: "id-2"}
	svc := NewService(store)

	identity, err := svc.Authenticate(context.Background(), "operator-raw-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !identity.HasRole(RoleOperator) {
		t.Errorf("identity = %+v", identity)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	store := newMemAuthStore()
	store.identities["id-1"] = &Identity{ID: "id-1", Roles: []Role{RoleAgent}}
	store.keys[HashKey("revoked")] = &Key{Hash: HashKey("revoked"), IdentityID: "id-1", Revoked: true}
	store.keys[HashKey("expired")] = &Key{Hash: HashKey("expired"), IdentityID: "id-1", ExpiresAt: &expired}
	store.keys[HashKey("orphan")] = &Key{Hash: HashKey("orphan"), IdentityID: "missing"}
	svc := NewService(store)

	for _, raw := range []string{"", "unknown", "revoked", "expired", "orphan"} {
		if _, err := svc.Authenticate(context.Background(), raw); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Authenticate(%q): err = %v, want ErrInvalidKey", raw, err)
		}
	}
}

func TestHasRole_AdminImpliesAll(t *testing.T) {
	admin := &Identity{Roles: []Role{RoleAdmin}}
	for _, role := range []Role{RoleAgent, RoleOperator, RoleViewer, RoleAdmin} {
		if !admin.HasRole(role) {
			t.Errorf("admin lacks %s", role)
		}
	}
	viewer := &Identity{Roles: []Role{RoleViewer}}
	if viewer.HasRole(RoleOperator) {
		t.Error("viewer granted operator")
	}
}
