package prp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ArtifactFile is the default name of the persisted PRP status artifact.
// The commit gate rejects any change to this file that does not carry the
// system sentinel marker.
const ArtifactFile = "prp_status.yaml"

// artifactSchema validates each artifact entry before the state manager
// rewrites the file.
const artifactSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["status", "priority", "stable_id", "legacy_id", "migrated_at"],
		"properties": {
			"status": {
				"type": "string",
				"enum": ["new", "assigned", "in_progress", "validation", "integration", "complete", "deprecated"]
			},
			"priority": {"type": "integer"},
			"stable_id": {"type": "integer", "minimum": 1},
			"legacy_id": {"type": "string", "minLength": 1},
			"migrated_at": {"type": "string"},
			"deprecated": {"type": "boolean"},
			"superseded_by": {"type": "string"}
		},
		"additionalProperties": false
	}
}`

// ArtifactEntry is one task's row in the persisted status artifact.
type ArtifactEntry struct {
	Status       Status `yaml:"status" json:"status"`
	Priority     int    `yaml:"priority" json:"priority"`
	StableID     int64  `yaml:"stable_id" json:"stable_id"`
	LegacyID     string `yaml:"legacy_id" json:"legacy_id"`
	MigratedAt   string `yaml:"migrated_at" json:"migrated_at"`
	Deprecated   bool   `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`
	SupersededBy string `yaml:"superseded_by,omitempty" json:"superseded_by,omitempty"`
}

// Artifact maps legacy id to status entry.
type Artifact map[string]ArtifactEntry

var compiledArtifactSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(artifactSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal artifact schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("artifact.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add artifact schema resource: %v", err))
	}
	sch, err := c.Compile("artifact.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile artifact schema: %v", err))
	}
	return sch
}()

// ValidateArtifact checks an artifact against the schema.
func ValidateArtifact(a Artifact) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact for validation: %w", err)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("reparse artifact for validation: %w", err)
	}
	if err := compiledArtifactSchema.Validate(parsed); err != nil {
		return fmt.Errorf("artifact schema validation: %w", err)
	}
	return nil
}

// BuildArtifact assembles the artifact from the current records and their
// stable-id mappings.
func (m *Manager) BuildArtifact(ctx context.Context) (Artifact, error) {
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(Artifact, len(records))
	for _, rec := range records {
		migratedAt := rec.CreatedAt
		if _, at, err := m.LookupStableID(ctx, rec.ID); err == nil {
			migratedAt = at
		}
		out[rec.ID] = ArtifactEntry{
			Status:       rec.Status,
			Priority:     rec.Priority,
			StableID:     rec.StableID,
			LegacyID:     rec.ID,
			MigratedAt:   migratedAt.UTC().Format(time.RFC3339),
			Deprecated:   rec.Deprecated,
			SupersededBy: rec.SupersededBy,
		}
	}
	return out, nil
}

// WriteArtifact validates and atomically rewrites the persisted status
// artifact at path.
func (m *Manager) WriteArtifact(ctx context.Context, path string) error {
	artifact, err := m.BuildArtifact(ctx)
	if err != nil {
		return err
	}
	if err := ValidateArtifact(artifact); err != nil {
		return err
	}
	raw, err := yaml.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write artifact temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace artifact: %w", err)
	}
	m.logger.Info("status artifact written", "path", path, "entries", len(artifact))
	return nil
}

// ReadArtifact loads and validates an artifact file.
func ReadArtifact(path string) (Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var a Artifact
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if err := ValidateArtifact(a); err != nil {
		return nil, err
	}
	return a, nil
}
