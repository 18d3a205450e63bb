package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-gate/aegisgate/internal/domain/canonical"
	"github.com/aegis-gate/aegisgate/internal/domain/signing"
)

// GenesisHash is the previous_record_hash of the first entry of every
// chain: 32 zero bytes in hex.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// hashSubject is the canonicalised view of a record minus its derived
// fields. Field names match the persisted record so an exported record
// can be re-verified from its JSON form.
func hashSubject(r *Record) map[string]any {
	subject := map[string]any{
		"record_id":      r.RecordID,
		"org_id":         r.OrgID,
		"uapk_id":        r.UAPKID,
		"agent_id":       r.AgentID,
		"action":         r.Action,
		"request_hash":   r.RequestHash,
		"decision":       string(r.Decision),
		"reasons":        r.Reasons,
		"policy_trace":   r.PolicyTrace,
		"policy_version": r.PolicyVersion,
		"executed":       r.Executed,
		"created_at":     r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.Context != nil {
		subject["context"] = r.Context
	}
	if r.ApprovalID != "" {
		subject["approval_id"] = r.ApprovalID
	}
	if r.Result != nil {
		subject["result"] = r.Result
	}
	return subject
}

// ComputeRecordHash derives the chain hash of r given the previous
// entry's hash (hex): SHA-256 over the canonical record bytes followed
// by the raw previous hash bytes.
func ComputeRecordHash(r *Record, previousHex string) (string, error) {
	body, err := canonical.Marshal(hashSubject(r))
	if err != nil {
		return "", fmt.Errorf("audit: canonicalise record: %w", err)
	}
	prev, err := hex.DecodeString(previousHex)
	if err != nil || len(prev) != sha256.Size {
		return "", fmt.Errorf("audit: bad previous hash %q", previousHex)
	}
	h := sha256.New()
	h.Write(body)
	h.Write(prev)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Appender writes chain entries. Appends to the same (org_id, uapk_id)
// chain are serialised by a per-chain mutex so previous_record_hash is
// never stale; different chains append concurrently.
type Appender struct {
	store Store
	keys  *signing.KeyManager

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAppender(store Store, keys *signing.KeyManager) *Appender {
	return &Appender{store: store, keys: keys, locks: map[string]*sync.Mutex{}}
}

func (a *Appender) chainLock(orgID, uapkID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := orgID + "/" + uapkID
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}

// Append fills the derived fields of draft, signs it and persists it.
// The draft's RecordID and CreatedAt are assigned here if unset.
func (a *Appender) Append(ctx context.Context, draft *Record) (*Record, error) {
	if draft.RecordID == "" {
		draft.RecordID = "rec_" + uuid.NewString()[:8]
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	l := a.chainLock(draft.OrgID, draft.UAPKID)
	l.Lock()
	defer l.Unlock()

	prev, err := a.store.LastHash(ctx, draft.OrgID, draft.UAPKID)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}
	if prev == "" {
		prev = GenesisHash
	}
	draft.PreviousRecordHash = prev

	recordHash, err := ComputeRecordHash(draft, prev)
	if err != nil {
		return nil, err
	}
	draft.RecordHash = recordHash

	hashBytes, err := hex.DecodeString(recordHash)
	if err != nil {
		return nil, fmt.Errorf("audit: decode record hash: %w", err)
	}
	draft.GatewaySignature = base64.StdEncoding.EncodeToString(a.keys.Sign(hashBytes))

	if err := a.store.Insert(ctx, draft); err != nil {
		return nil, fmt.Errorf("audit: insert record: %w", err)
	}
	return draft, nil
}

// Mismatch locates the first broken link found by Verify.
type Mismatch struct {
	Index    int    `json:"index"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

// Report is the outcome of verifying one chain.
type Report struct {
	ChainValid          bool      `json:"chain_valid"`
	RecordCount         int       `json:"record_count"`
	SignatureValidCount int       `json:"signature_valid_count"`
	Mismatch            *Mismatch `json:"mismatch,omitempty"`
}

// Verify walks records in insertion order, recomputing every hash and
// checking every signature under pub. It stops hash checking at the
// first broken link but still counts valid signatures up to that point.
func Verify(records []*Record, pub ed25519.PublicKey) Report {
	report := Report{ChainValid: true, RecordCount: len(records)}
	prev := GenesisHash
	for i, r := range records {
		if r.PreviousRecordHash != prev {
			report.ChainValid = false
			report.Mismatch = &Mismatch{Index: i, Expected: prev, Got: r.PreviousRecordHash}
			break
		}
		recomputed, err := ComputeRecordHash(r, prev)
		if err != nil || recomputed != r.RecordHash {
			report.ChainValid = false
			report.Mismatch = &Mismatch{Index: i, Expected: recomputed, Got: r.RecordHash}
			break
		}
		if verifySignature(r, pub) {
			report.SignatureValidCount++
		} else {
			report.ChainValid = false
			report.Mismatch = &Mismatch{Index: i, Expected: "valid signature", Got: "invalid signature"}
			break
		}
		prev = r.RecordHash
	}
	return report
}

func verifySignature(r *Record, pub ed25519.PublicKey) bool {
	hashBytes, err := hex.DecodeString(r.RecordHash)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(r.GatewaySignature)
	if err != nil {
		return false
	}
	return signing.Verify(hashBytes, sig, pub)
}
