package datamgmt

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	simerrors "github.com/gxo-labs/simloop/pkg/simloop/v1/errors"
	"github.com/gxo-labs/simloop/pkg/simloop/v1/trial"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/mod/semver"
)

// FormatVersion is written into every export. Imports accept any 1.x
// document.
const FormatVersion = "1.0.0"

const supportedFormatMajor = "v1"

//go:embed export_schema_v1.0.0.json
var exportSchemaBytes []byte

var (
	exportSchema     *gojsonschema.Schema
	exportSchemaOnce sync.Once
	exportSchemaErr  error
)

// Document is the portable snapshot of all learning state.
type Document struct {
	FormatVersion string                     `json:"format_version"`
	ExportedAt    time.Time                  `json:"exported_at"`
	Config        interface{}                `json:"config,omitempty"`
	Experiences   []trial.Experience         `json:"experiences"`
	Checkpoints   []trial.Checkpoint         `json:"checkpoints"`
	BugPatterns   []trial.BugPattern         `json:"bug_patterns"`
	PolicyWeights map[trial.Strategy]float64 `json:"policy_weights"`
	Stats         trial.ExperienceStats      `json:"stats"`
}

// ImportSummary reports what an import applied.
type ImportSummary struct {
	Imported        int      `json:"imported"`
	Failed          int      `json:"failed"`
	PatternsMerged  int      `json:"patterns_merged"`
	WeightsImported bool     `json:"weights_imported"`
	Errors          []string `json:"errors,omitempty"`
}

// Export collects the full learning state into a Document.
func (m *Manager) Export(ctx context.Context) (*Document, error) {
	exps, err := m.deps.Store.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export experiences: %w", err)
	}
	cps, err := m.deps.Checkpoints.GetAllCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export checkpoints: %w", err)
	}
	doc := &Document{
		FormatVersion: FormatVersion,
		ExportedAt:    m.now().UTC(),
		Experiences:   exps,
		Checkpoints:   cps,
		BugPatterns:   m.deps.Supervisor.GetTopBugPatterns(0),
		PolicyWeights: m.deps.Policy.GetWeights(),
		Stats:         trial.ComputeStats(exps),
	}
	if m.deps.Config != nil {
		doc.Config = m.deps.Config()
	}
	if doc.Experiences == nil {
		doc.Experiences = []trial.Experience{}
	}
	if doc.Checkpoints == nil {
		doc.Checkpoints = []trial.Checkpoint{}
	}
	if doc.BugPatterns == nil {
		doc.BugPatterns = []trial.BugPattern{}
	}
	m.log.Infof("Exported %d experience(s), %d checkpoint(s), %d pattern(s)",
		len(doc.Experiences), len(doc.Checkpoints), len(doc.BugPatterns))
	return doc, nil
}

// Import validates data against the export schema and format version, then
// re-adds experiences one by one, merges failure patterns and imports policy
// weights. Item failures do not abort the import: they are returned as an
// *errors.ImportError alongside a populated summary. Checkpoints in the
// document are not replayed.
func (m *Manager) Import(ctx context.Context, data []byte) (*ImportSummary, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, simerrors.NewValidationError("failed to decode export document", err)
	}
	if err := CheckFormatVersion(doc.FormatVersion); err != nil {
		return nil, err
	}

	summary := &ImportSummary{}
	for i, e := range doc.Experiences {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := m.deps.Store.Add(ctx, e); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("experience %d (%s): %v", i, e.ID, err))
			continue
		}
		summary.Imported++
	}

	if len(doc.PolicyWeights) > 0 {
		if err := m.deps.Policy.Import(doc.PolicyWeights); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("policy weights: %v", err))
		} else {
			summary.WeightsImported = true
		}
	}
	for _, p := range doc.BugPatterns {
		m.deps.Supervisor.AddBugPattern(p)
		summary.PatternsMerged++
	}

	m.log.Infof("Imported %d experience(s), %d failed, %d pattern(s) merged",
		summary.Imported, summary.Failed, summary.PatternsMerged)
	if len(summary.Errors) > 0 {
		return summary, simerrors.NewImportError(summary.Errors)
	}
	return summary, nil
}

// CheckFormatVersion accepts any semantic version with the supported major.
func CheckFormatVersion(v string) error {
	if v == "" {
		return simerrors.NewValidationError("export document has no format_version", nil)
	}
	sv := v
	if sv[0] != 'v' {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return simerrors.NewValidationError(fmt.Sprintf("format_version %q is not a semantic version", v), nil)
	}
	if semver.Major(sv) != supportedFormatMajor {
		return simerrors.NewValidationError(
			fmt.Sprintf("format_version %q is not supported (need %s.x)", v, supportedFormatMajor), nil)
	}
	return nil
}

func loadExportSchema() (*gojsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		exportSchema, exportSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(exportSchemaBytes))
		if exportSchemaErr != nil {
			exportSchemaErr = simerrors.NewConfigError("failed to compile embedded export schema", exportSchemaErr)
		}
	})
	return exportSchema, exportSchemaErr
}

func validateDocument(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return simerrors.NewValidationError("export document is empty", nil)
	}
	schema, err := loadExportSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return simerrors.NewValidationError("export document is not valid JSON", err)
	}
	if result.Valid() {
		return nil
	}
	msg := "export document failed schema validation:"
	for _, desc := range result.Errors() {
		msg += fmt.Sprintf("\n  - Field '%s': %s", desc.Field(), desc.Description())
	}
	return simerrors.NewValidationError(msg, nil)
}
