package audit

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/canonical"
	"github.com/aegis-gate/aegisgate/internal/domain/signing"
)

// Proof is the verification_proof.json payload of an export bundle.
type Proof struct {
	ChainValid          bool   `json:"chain_valid"`
	SignatureValidCount int    `json:"signature_valid_count"`
	RecordCount         int    `json:"record_count"`
	MerkleRoot          string `json:"merkle_root"`
	PublicKeyB64        string `json:"public_key_b64"`
}

// Export packs records into a tar.gz bundle: records.jsonl (one
// canonicalised record per line), verification_proof.json and
// public_key.pem. The records should already be verified; the bundle
// carries the proof so a third party can re-check offline.
func Export(records []*Record, keys *signing.KeyManager) ([]byte, error) {
	report := Verify(records, keys.PublicKey())

	leaves := make([]string, 0, len(records))
	var lines bytes.Buffer
	for _, r := range records {
		leaves = append(leaves, r.RecordHash)

		full, err := exportLine(r)
		if err != nil {
			return nil, err
		}
		lines.Write(full)
		lines.WriteByte('\n')
	}

	root, err := MerkleRoot(leaves)
	if err != nil {
		return nil, err
	}
	proof, err := json.MarshalIndent(Proof{
		ChainValid:          report.ChainValid,
		SignatureValidCount: report.SignatureValidCount,
		RecordCount:         report.RecordCount,
		MerkleRoot:          root,
		PublicKeyB64:        keys.PublicKeyB64(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal proof: %w", err)
	}

	pubPEM, err := keys.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	now := time.Now().UTC()
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"records.jsonl", lines.Bytes()},
		{"verification_proof.json", proof},
		{"public_key.pem", pubPEM},
	} {
		if err := tw.WriteHeader(&tar.Header{
			Name:    f.name,
			Mode:    0o644,
			Size:    int64(len(f.data)),
			ModTime: now,
		}); err != nil {
			return nil, fmt.Errorf("audit: write bundle header: %w", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, fmt.Errorf("audit: write bundle entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("audit: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("audit: close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// exportLine canonicalises the full record, derived fields included, so
// each line is independently checkable against its neighbours.
func exportLine(r *Record) ([]byte, error) {
	subject := hashSubject(r)
	subject["previous_record_hash"] = r.PreviousRecordHash
	subject["record_hash"] = r.RecordHash
	subject["gateway_signature"] = r.GatewaySignature
	line, err := canonical.Marshal(subject)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalise export record: %w", err)
	}
	return line, nil
}
