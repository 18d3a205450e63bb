package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegis-gate/aegisgate/internal/domain/manifest"
)

// ManifestAdmin is the write side of manifest storage, implemented by
// the sqlite store.
type ManifestAdmin interface {
	Create(ctx context.Context, orgID, uapkID string, version int, status manifest.Status, content []byte) error
	Activate(ctx context.Context, orgID, uapkID string, version int) error
}

// seedFile is one YAML manifest seed.
type seedFile struct {
	OrgID   string         `yaml:"org_id"`
	UAPKID  string         `yaml:"uapk_id"`
	Version int            `yaml:"version"`
	Content map[string]any `yaml:"content"`
}

// SeedManifests loads every *.yaml/*.yml file under dir, stores it as a
// manifest version and activates it. Files that collide with an
// existing version are skipped so seeding is idempotent across
// restarts.
func SeedManifests(ctx context.Context, dir string, store ManifestAdmin, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("service: read seed dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := seedOne(ctx, path, store, logger); err != nil {
			return fmt.Errorf("service: seed %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func seedOne(ctx context.Context, path string, store ManifestAdmin, logger *slog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if seed.OrgID == "" || seed.UAPKID == "" {
		return fmt.Errorf("org_id and uapk_id are required")
	}
	if seed.Version <= 0 {
		seed.Version = 1
	}

	content, err := json.Marshal(seed.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	err = store.Create(ctx, seed.OrgID, seed.UAPKID, seed.Version, manifest.StatusPending, content)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			logger.Debug("manifest seed already present",
				"org_id", seed.OrgID, "uapk_id", seed.UAPKID, "version", seed.Version)
			return nil
		}
		return err
	}
	if err := store.Activate(ctx, seed.OrgID, seed.UAPKID, seed.Version); err != nil {
		return err
	}
	logger.Info("manifest seeded",
		"org_id", seed.OrgID, "uapk_id", seed.UAPKID, "version", seed.Version)
	return nil
}
