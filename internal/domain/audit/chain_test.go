package audit

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/policy"
	"github.com/aegis-gate/aegisgate/internal/domain/signing"
)

type memStore struct {
	mu      sync.Mutex
	records []*Record
}

func (s *memStore) Insert(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *r
	s.records = append(s.records, &clone)
	return nil
}

func (s *memStore) LastHash(ctx context.Context, orgID, uapkID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].OrgID == orgID && s.records[i].UAPKID == uapkID {
			return s.records[i].RecordHash, nil
		}
	}
	return "", nil
}

func (s *memStore) List(ctx context.Context, orgID string, f ListFilter) ([]*Record, error) {
	return s.ListChain(ctx, orgID, f.UAPKID)
}

func (s *memStore) ListChain(ctx context.Context, orgID, uapkID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.OrgID == orgID && (uapkID == "" || r.UAPKID == uapkID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Chains(ctx context.Context, orgID string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, r := range s.records {
		if r.OrgID == orgID && !seen[r.UAPKID] {
			seen[r.UAPKID] = true
			out = append(out, r.UAPKID)
		}
	}
	return out, nil
}

func testAppender(t *testing.T) (*Appender, *memStore, *signing.KeyManager) {
	t.Helper()
	km, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	store := &memStore{}
	return NewAppender(store, km), store, km
}

func draftRecord(i int) *Record {
	return &Record{
		OrgID:   "org-1",
		UAPKID:  "notifier",
		AgentID: "agent-1",
		Action:  action.Action{Type: "email", Tool: "send_email", Params: map[string]any{"i": i}},
		Decision: policy.Allow,
		Reasons:  []policy.Reason{},
		PolicyTrace: []policy.TraceEntry{
			{Stage: "manifest", Result: "pass"},
		},
		PolicyVersion: "hash-v1",
		Executed:      true,
		Result:        &Result{Success: true, DurationMS: 12},
	}
}

func TestAppend_LinksChain(t *testing.T) {
	app, store, km := testAppender(t)
	ctx := context.Background()

	first, err := app.Append(ctx, draftRecord(1))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.PreviousRecordHash != GenesisHash {
		t.Errorf("first previous = %s, want genesis", first.PreviousRecordHash)
	}

	second, err := app.Append(ctx, draftRecord(2))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.PreviousRecordHash != first.RecordHash {
		t.Errorf("second previous = %s, want %s", second.PreviousRecordHash, first.RecordHash)
	}

	records, _ := store.ListChain(ctx, "org-1", "notifier")
	report := Verify(records, km.PublicKey())
	if !report.ChainValid || report.SignatureValidCount != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestAppend_SeparateChainsIndependent(t *testing.T) {
	app, _, _ := testAppender(t)
	ctx := context.Background()

	a := draftRecord(1)
	b := draftRecord(1)
	b.UAPKID = "other"

	ra, err := app.Append(ctx, a)
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	rb, err := app.Append(ctx, b)
	if err != nil {
		t.Fatalf("append b: %v", err)
	}
	if ra.PreviousRecordHash != GenesisHash || rb.PreviousRecordHash != GenesisHash {
		t.Error("chains should not share a head")
	}
}

func TestAppend_ConcurrentWritersStayOrdered(t *testing.T) {
	app, store, km := testAppender(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := app.Append(ctx, draftRecord(i)); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	records, _ := store.ListChain(ctx, "org-1", "notifier")
	if len(records) != n {
		t.Fatalf("got %d records, want %d", len(records), n)
	}
	report := Verify(records, km.PublicKey())
	if !report.ChainValid {
		t.Errorf("chain broken under concurrency: %+v", report.Mismatch)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	app, store, km := testAppender(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := app.Append(ctx, draftRecord(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, _ := store.ListChain(ctx, "org-1", "notifier")
	records[1].Executed = false // mutate a hashed field

	report := Verify(records, km.PublicKey())
	if report.ChainValid {
		t.Fatal("tampered chain verified")
	}
	if report.Mismatch == nil || report.Mismatch.Index != 1 {
		t.Errorf("mismatch = %+v, want index 1", report.Mismatch)
	}
}

func TestVerify_DetectsForeignSignature(t *testing.T) {
	app, store, _ := testAppender(t)
	ctx := context.Background()
	if _, err := app.Append(ctx, draftRecord(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	other, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	records, _ := store.ListChain(ctx, "org-1", "notifier")
	report := Verify(records, other.PublicKey())
	if report.ChainValid || report.SignatureValidCount != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestMerkleRoot(t *testing.T) {
	h := func(b byte) string {
		raw := bytes.Repeat([]byte{b}, sha256.Size)
		return hex.EncodeToString(raw)
	}

	t.Run("empty chain", func(t *testing.T) {
		root, err := MerkleRoot(nil)
		if err != nil {
			t.Fatalf("MerkleRoot: %v", err)
		}
		if root != GenesisHash {
			t.Errorf("root = %s", root)
		}
	})

	t.Run("single leaf is its own root", func(t *testing.T) {
		root, err := MerkleRoot([]string{h(1)})
		if err != nil {
			t.Fatalf("MerkleRoot: %v", err)
		}
		if root != h(1) {
			t.Errorf("root = %s, want the leaf", root)
		}
	})

	t.Run("odd tail duplicated", func(t *testing.T) {
		// With three leaves the third pairs with itself; the result
		// must equal a hand-built tree.
		pair := func(a, b string) string {
			ra, _ := hex.DecodeString(a)
			rb, _ := hex.DecodeString(b)
			sum := sha256.Sum256(append(ra, rb...))
			return hex.EncodeToString(sum[:])
		}
		want := pair(pair(h(1), h(2)), pair(h(3), h(3)))

		root, err := MerkleRoot([]string{h(1), h(2), h(3)})
		if err != nil {
			t.Fatalf("MerkleRoot: %v", err)
		}
		if root != want {
			t.Errorf("root = %s, want %s", root, want)
		}
	})

	t.Run("bad leaf", func(t *testing.T) {
		if _, err := MerkleRoot([]string{"zz"}); err == nil {
			t.Error("bad leaf accepted")
		}
	})
}

func TestExport_Bundle(t *testing.T) {
	app, store, km := testAppender(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := app.Append(ctx, draftRecord(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	records, _ := store.ListChain(ctx, "org-1", "notifier")

	bundle, err := Export(records, km)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(bundle))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)

	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		files[hdr.Name] = data
	}

	for _, name := range []string{"records.jsonl", "verification_proof.json", "public_key.pem"} {
		if _, ok := files[name]; !ok {
			t.Errorf("bundle missing %s", name)
		}
	}

	if got := bytes.Count(files["records.jsonl"], []byte("\n")); got != 2 {
		t.Errorf("records.jsonl has %d lines, want 2", got)
	}

	var proof Proof
	if err := json.Unmarshal(files["verification_proof.json"], &proof); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if !proof.ChainValid || proof.RecordCount != 2 || proof.SignatureValidCount != 2 {
		t.Errorf("proof = %+v", proof)
	}
	if proof.MerkleRoot == "" || proof.PublicKeyB64 != km.PublicKeyB64() {
		t.Errorf("proof identity fields = %+v", proof)
	}
}
