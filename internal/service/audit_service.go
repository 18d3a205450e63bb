package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegis-gate/aegisgate/internal/domain/audit"
	"github.com/aegis-gate/aegisgate/internal/domain/signing"
)

// AuditService serves the read side of the interaction log: listing,
// chain verification and signed export bundles.
type AuditService struct {
	store  audit.Store
	keys   *signing.KeyManager
	logger *slog.Logger
}

func NewAuditService(store audit.Store, keys *signing.KeyManager, logger *slog.Logger) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditService{store: store, keys: keys, logger: logger}
}

func (s *AuditService) List(ctx context.Context, orgID string, f audit.ListFilter) ([]*audit.Record, error) {
	return s.store.List(ctx, orgID, f)
}

// VerifyChain recomputes one chain end to end.
func (s *AuditService) VerifyChain(ctx context.Context, orgID, uapkID string) (*audit.Report, error) {
	records, err := s.store.ListChain(ctx, orgID, uapkID)
	if err != nil {
		return nil, fmt.Errorf("service: load chain: %w", err)
	}
	report := audit.Verify(records, s.keys.PublicKey())
	if !report.ChainValid {
		s.logger.Warn("chain verification failed",
			"org_id", orgID, "uapk_id", uapkID, "mismatch_index", report.Mismatch.Index)
	}
	return &report, nil
}

// VerifyAll verifies every chain the org has, keyed by uapk_id.
func (s *AuditService) VerifyAll(ctx context.Context, orgID string) (map[string]*audit.Report, error) {
	chains, err := s.store.Chains(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("service: list chains: %w", err)
	}
	reports := make(map[string]*audit.Report, len(chains))
	for _, uapkID := range chains {
		report, err := s.VerifyChain(ctx, orgID, uapkID)
		if err != nil {
			return nil, err
		}
		reports[uapkID] = report
	}
	return reports, nil
}

// Export produces the portable verification bundle for one chain as a
// gzipped tarball.
func (s *AuditService) Export(ctx context.Context, orgID, uapkID string) ([]byte, error) {
	records, err := s.store.ListChain(ctx, orgID, uapkID)
	if err != nil {
		return nil, fmt.Errorf("service: load chain: %w", err)
	}
	bundle, err := audit.Export(records, s.keys)
	if err != nil {
		return nil, err
	}
	s.logger.Info("audit bundle exported",
		"org_id", orgID, "uapk_id", uapkID, "records", len(records))
	return bundle, nil
}
