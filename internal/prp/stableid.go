package prp

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const stableIDKey = "prp:stable_ids"

// StableIDMapping records one legacy id to stable id assignment.
type StableIDMapping struct {
	LegacyID   string
	StableID   int64
	MigratedAt time.Time
}

// MigrateStableIDs performs the one-time assignment of stable ids to legacy
// ids. Legacy ids are processed in sorted order so the minted ids are
// deterministic. Ids that already carry a mapping are skipped — the mapping
// is immutable once written. New records created afterwards receive the
// next stable id directly from the same counter.
func (m *Manager) MigrateStableIDs(ctx context.Context, legacyIDs []string) ([]StableIDMapping, error) {
	sorted := make([]string, len(legacyIDs))
	copy(sorted, legacyIDs)
	sort.Strings(sorted)

	var out []StableIDMapping
	now := m.now().UTC()
	for _, legacy := range sorted {
		if legacy == "" {
			continue
		}
		if _, exists, err := m.store.HGet(ctx, stableIDKey, legacy); err != nil {
			return nil, fmt.Errorf("check stable id for %s: %w", legacy, err)
		} else if exists {
			continue
		}
		stableID, err := m.store.HIncr(ctx, countersKey, "stable_id")
		if err != nil {
			return nil, fmt.Errorf("mint stable id for %s: %w", legacy, err)
		}
		// HSetNX guards against a concurrent migrator; first writer wins.
		written, err := m.store.HSetNX(ctx, stableIDKey, legacy, formatStableID(stableID, now))
		if err != nil {
			return nil, fmt.Errorf("write stable id for %s: %w", legacy, err)
		}
		if !written {
			continue
		}
		out = append(out, StableIDMapping{LegacyID: legacy, StableID: stableID, MigratedAt: now})
		m.logger.Info("stable id assigned", "legacy_id", legacy, "stable_id", stableID)
	}
	return out, nil
}

// LookupStableID resolves a legacy id to its stable id.
func (m *Manager) LookupStableID(ctx context.Context, legacyID string) (int64, time.Time, error) {
	raw, ok, err := m.store.HGet(ctx, stableIDKey, legacyID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("lookup stable id for %s: %w", legacyID, err)
	}
	if !ok {
		return 0, time.Time{}, &NotFoundError{Kind: "task", ID: legacyID}
	}
	return parseStableID(raw)
}

func formatStableID(id int64, migratedAt time.Time) string {
	return fmt.Sprintf("%d@%s", id, migratedAt.Format(time.RFC3339))
}

func parseStableID(raw string) (int64, time.Time, error) {
	var id int64
	var ts string
	if _, err := fmt.Sscanf(raw, "%d@%s", &id, &ts); err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed stable id entry %q: %w", raw, err)
	}
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("malformed stable id timestamp %q: %w", raw, err)
	}
	return id, at, nil
}
