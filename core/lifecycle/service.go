// Package lifecycle drives the project and version state machines:
// DRAFT -> VALID -> ACTIVE -> ARCHIVED, with at most one ACTIVE version
// per project and monotonically increasing version numbers.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/canonical"
	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/common/validation"
	"github.com/mbathe/eyeflow-sub003/core/rulec"
)

// ProjectStore is the slice of project persistence the lifecycle needs.
// Satisfied by *repository.ProjectRepository.
type ProjectStore interface {
	Create(ctx context.Context, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	BumpVersion(ctx context.Context, id uuid.UUID) (int, error)
}

// VersionStore is the slice of version persistence the lifecycle needs.
// Satisfied by *repository.VersionRepository.
type VersionStore interface {
	Create(ctx context.Context, v *models.ProjectVersion) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ProjectVersion, error)
	GetByNumber(ctx context.Context, projectID uuid.UUID, version int) (*models.ProjectVersion, error)
	GetActive(ctx context.Context, projectID uuid.UUID) (*models.ProjectVersion, error)
	UpdateDraft(ctx context.Context, v *models.ProjectVersion) error
	MarkValid(ctx context.Context, v *models.ProjectVersion) error
	Activate(ctx context.Context, projectID, versionID uuid.UUID, expectedActive *uuid.UUID, activatedBy string) error
	Archive(ctx context.Context, projectID, versionID uuid.UUID, archivedBy string) error
}

// ExecutionStore exposes the execution queries the lifecycle needs.
// Satisfied by *repository.ExecutionRepository.
type ExecutionStore interface {
	CountRunning(ctx context.Context, versionID uuid.UUID) (int, error)
}

// ConnectorStore resolves connectors referenced by project policy.
// Satisfied by *repository.ConnectorRepository.
type ConnectorStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connector, error)
}

// Service coordinates project and version lifecycle operations
type Service struct {
	projects   ProjectStore
	versions   VersionStore
	connectors ConnectorStore
	executions ExecutionStore
	compiler   *rulec.Compiler
	patches    *validation.PatchValidator
	log        *logger.Logger
}

// New creates the lifecycle service
func New(
	projects ProjectStore,
	versions VersionStore,
	connectors ConnectorStore,
	executions ExecutionStore,
	compiler *rulec.Compiler,
	log *logger.Logger,
) *Service {
	return &Service{
		projects:   projects,
		versions:   versions,
		connectors: connectors,
		executions: executions,
		compiler:   compiler,
		patches:    validation.NewPatchValidator(),
		log:        log,
	}
}

// ProjectOptions carries the policy settings of a new project
type ProjectOptions struct {
	AllowedConnectorIDs []string
	AllowedFunctionIDs  []string
	AllowedTriggerTypes []string
	AllowedNodeIDs      []string
	MinTrustLevel       string
	ConfidenceThreshold float64
}

// CreateProject creates a new project in DRAFT with version counter 0
func (s *Service) CreateProject(ctx context.Context, userID, name string, opts ProjectOptions) (*models.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if opts.MinTrustLevel == "" {
		opts.MinTrustLevel = "medium"
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.7
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:                  uuid.New(),
		UserID:              userID,
		Name:                name,
		Status:              models.ProjectDraft,
		AllowedConnectorIDs: opts.AllowedConnectorIDs,
		AllowedFunctionIDs:  opts.AllowedFunctionIDs,
		AllowedTriggerTypes: opts.AllowedTriggerTypes,
		AllowedNodeIDs:      opts.AllowedNodeIDs,
		MinTrustLevel:       opts.MinTrustLevel,
		ConfidenceThreshold: opts.ConfidenceThreshold,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.projects.Create(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info("project created", "project_id", p.ID, "name", name, "user", userID)
	return p, nil
}

// CreateVersion opens a new DRAFT version holding the given DAG. The new
// draft's lineage points at the currently active version when one exists.
// The version number is the project's next monotone value; numbers are
// never reused, even for discarded drafts.
func (s *Service) CreateVersion(ctx context.Context, projectID uuid.UUID, dag json.RawMessage, createdBy string) (*models.ProjectVersion, error) {
	return s.createVersion(ctx, projectID, dag, createdBy, nil)
}

func (s *Service) createVersion(ctx context.Context, projectID uuid.UUID, dag json.RawMessage, createdBy string, parent *int) (*models.ProjectVersion, error) {
	checksum, err := checksumDAG(dag)
	if err != nil {
		return nil, err
	}

	active, err := s.versions.GetActive(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		running, err := s.executions.CountRunning(ctx, active.ID)
		if err != nil {
			return nil, err
		}
		if running > 0 {
			return nil, fmt.Errorf("version %d has %d running execution(s), wait for them to finish", active.Version, running)
		}
		if parent == nil {
			parent = &active.Version
		}
	}

	number, err := s.projects.BumpVersion(ctx, projectID)
	if err != nil {
		return nil, err
	}

	v := &models.ProjectVersion{
		ID:            uuid.New(),
		ProjectID:     projectID,
		Version:       number,
		ParentVersion: parent,
		Status:        models.VersionDraft,
		DAGDefinition: dag,
		DAGChecksum:   checksum,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     createdBy,
	}
	if err := s.versions.Create(ctx, v); err != nil {
		return nil, err
	}

	s.log.Info("version created",
		"project_id", projectID, "version", number, "dag_checksum", checksum)
	return v, nil
}

// CreateVersionFromPatch derives a new draft by applying an RFC 6902 patch
// to a parent version's DAG. The parent is untouched; the result is a
// fresh draft with its own number and parent_version lineage.
func (s *Service) CreateVersionFromPatch(ctx context.Context, projectID uuid.UUID, parentVersion int, patchDoc json.RawMessage, createdBy string) (*models.ProjectVersion, error) {
	parent, err := s.versions.GetByNumber(ctx, projectID, parentVersion)
	if err != nil {
		return nil, err
	}

	if err := s.patches.ValidateDocument(patchDoc); err != nil {
		return nil, fmt.Errorf("invalid patch document: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, fmt.Errorf("invalid patch document: %w", err)
	}
	patched, err := patch.Apply(parent.DAGDefinition)
	if err != nil {
		return nil, fmt.Errorf("patch does not apply to version %d: %w", parentVersion, err)
	}

	pv := parentVersion
	return s.createVersion(ctx, projectID, patched, createdBy, &pv)
}

// UpdateDraft replaces a draft's DAG; any other status is immutable
func (s *Service) UpdateDraft(ctx context.Context, versionID uuid.UUID, dag json.RawMessage) (*models.ProjectVersion, error) {
	v, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VersionDraft {
		return nil, fmt.Errorf("version %d is %s and immutable", v.Version, v.Status)
	}

	checksum, err := checksumDAG(dag)
	if err != nil {
		return nil, err
	}
	v.DAGDefinition = dag
	v.DAGChecksum = checksum
	if err := s.versions.UpdateDraft(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidationResult reports a validation attempt
type ValidationResult struct {
	Version              *models.ProjectVersion `json:"version,omitempty"`
	Diagnostics          rulec.Diagnostics      `json:"diagnostics,omitempty"`
	EstimatedExecutionMS int                    `json:"estimated_execution_ms"`
	Valid                bool                   `json:"valid"`
}

// Validate compiles a draft. A clean compile stores the signed artifact
// and flips DRAFT -> VALID; diagnostics with errors leave the draft
// untouched for correction.
func (s *Service) Validate(ctx context.Context, versionID uuid.UUID, validatedBy string) (*ValidationResult, error) {
	v, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VersionDraft {
		return nil, fmt.Errorf("version %d is %s, only drafts validate", v.Version, v.Status)
	}

	project, err := s.projects.GetByID(ctx, v.ProjectID)
	if err != nil {
		return nil, err
	}

	var def rulec.Definition
	if err := json.Unmarshal(v.DAGDefinition, &def); err != nil {
		return nil, fmt.Errorf("dag definition does not parse: %w", err)
	}

	connectors, err := s.loadConnectors(ctx, project)
	if err != nil {
		return nil, err
	}

	out, err := s.compiler.Compile(ctx, rulec.Input{
		Definition: &def,
		Project:    project,
		Connectors: connectors,
		WorkflowID: v.ID.String(),
		Version:    v.Version,
	})
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		Diagnostics:          out.Diagnostics,
		EstimatedExecutionMS: out.EstimatedExecutionMS,
	}
	if out.Diagnostics.HasErrors() {
		s.log.Info("validation failed",
			"version", v.Version, "diagnostics", len(out.Diagnostics))
		return result, nil
	}

	now := time.Now().UTC()
	v.IRBinary = out.IRBinary
	v.IRChecksum = out.Checksum
	v.IRSignature = out.Signature
	v.SignatureKeyID = out.SignatureKeyID
	v.CompiledAt = &now
	v.ValidatedAt = &now
	v.ValidatedBy = validatedBy
	if err := s.versions.MarkValid(ctx, v); err != nil {
		return nil, err
	}
	v.Status = models.VersionValid

	result.Valid = true
	result.Version = v
	s.log.Info("version validated",
		"project_id", v.ProjectID, "version", v.Version, "ir_checksum", out.Checksum)
	return result, nil
}

// Activate promotes a version to ACTIVE. The previously active version is
// archived in the same transaction, preserving the at-most-one-ACTIVE
// invariant even under concurrent activations.
func (s *Service) Activate(ctx context.Context, projectID, versionID uuid.UUID, activatedBy string) error {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return err
	}
	v, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		return err
	}
	if !v.CanActivate() {
		return fmt.Errorf("version %d is %s and cannot activate", v.Version, v.Status)
	}

	if err := s.versions.Activate(ctx, projectID, versionID, project.ActiveVersionID, activatedBy); err != nil {
		return err
	}

	s.log.Info("version activated",
		"project_id", projectID, "version", v.Version, "by", activatedBy)
	return nil
}

// Archive retires a DRAFT or VALID version. The active version cannot be
// archived directly: activating a successor is the only way it leaves
// ACTIVE, so the project never silently loses its running version.
func (s *Service) Archive(ctx context.Context, projectID, versionID uuid.UUID, archivedBy string) error {
	v, err := s.versions.GetByID(ctx, versionID)
	if err != nil {
		return err
	}
	switch v.Status {
	case models.VersionDraft, models.VersionValid:
	case models.VersionActive:
		return fmt.Errorf("version %d is active, activate a replacement first", v.Version)
	default:
		return fmt.Errorf("version %d is %s and cannot be archived", v.Version, v.Status)
	}

	if err := s.versions.Archive(ctx, projectID, versionID, archivedBy); err != nil {
		return err
	}
	s.log.Info("version archived",
		"project_id", projectID, "version", v.Version, "by", archivedBy)
	return nil
}

// loadConnectors fetches the project's allowed connectors for compilation
func (s *Service) loadConnectors(ctx context.Context, project *models.Project) (map[string]*models.Connector, error) {
	connectors := make(map[string]*models.Connector, len(project.AllowedConnectorIDs))
	for _, idStr := range project.AllowedConnectorIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		conn, err := s.connectors.GetByID(ctx, id)
		if err != nil {
			// A vanished connector surfaces as a policy diagnostic later
			s.log.Warn("allowed connector not loadable", "connector_id", idStr, "error", err)
			continue
		}
		connectors[idStr] = conn
	}
	return connectors, nil
}

// checksumDAG computes the canonical checksum stored beside a DAG
func checksumDAG(dag json.RawMessage) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(dag, &doc); err != nil {
		return "", fmt.Errorf("dag definition is not valid JSON: %w", err)
	}
	return canonical.Hash(doc)
}
