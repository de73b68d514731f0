package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/core/ir"
	"github.com/mbathe/eyeflow-sub003/core/svm"
)

type fakeProjects struct {
	mu       sync.Mutex
	project  *models.Project
	statuses []models.ExecutionStatus
}

func (f *fakeProjects) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return f.project, nil
}

func (f *fakeProjects) RecordExecution(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeVersions struct {
	mu       sync.Mutex
	version  *models.ProjectVersion
	recorded int
}

func (f *fakeVersions) GetByID(ctx context.Context, id uuid.UUID) (*models.ProjectVersion, error) {
	return f.version, nil
}

func (f *fakeVersions) RecordExecution(ctx context.Context, versionID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
	return nil
}

type fakeExecutions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.ExecutionRecord
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{rows: make(map[uuid.UUID]models.ExecutionRecord)}
}

func (f *fakeExecutions) Create(ctx context.Context, e *models.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.ID] = *e
	return nil
}

func (f *fakeExecutions) Complete(ctx context.Context, e *models.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[e.ID] = *e
	return nil
}

func (f *fakeExecutions) GetByID(ctx context.Context, id uuid.UUID) (*models.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	return &row, nil
}

type memKey struct {
	version   uuid.UUID
	execution uuid.UUID
	node      string
}

type fakeMemory struct {
	mu      sync.Mutex
	rows    map[memKey]models.MemoryState
	upserts int
	getErr  error
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{rows: make(map[memKey]models.MemoryState)}
}

func (f *fakeMemory) Get(ctx context.Context, versionID, executionID uuid.UUID, nodeID string) (*models.MemoryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[memKey{versionID, executionID, nodeID}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeMemory) Upsert(ctx context.Context, m *models.MemoryState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.rows[memKey{m.VersionID, m.ExecutionID, m.NodeID}] = *m
	return nil
}

func (f *fakeMemory) row(t *testing.T, versionID uuid.UUID, nodeID string) models.MemoryState {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[memKey{versionID, uuid.Nil, nodeID}]
	require.True(t, ok, "shared memory row missing")
	return row
}

func returnProgram() *ir.Program {
	return &ir.Program{
		Metadata: ir.Metadata{ID: "wf-1", WorkflowName: "reorder", Version: 1},
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpReturn, Src: []int{0}},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		InputRegister:    0,
		OutputRegister:   0,
	}
}

func validateProgram() *ir.Program {
	return &ir.Program{
		Metadata: ir.Metadata{ID: "wf-1", WorkflowName: "reorder", Version: 1},
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpValidate, Src: []int{0}, SchemaID: "order"},
		},
		InstructionOrder: []int{0},
		DependencyGraph:  map[int][]int{},
		Schemas: map[string]json.RawMessage{
			"order": json.RawMessage(`{"type":"object","required":["id"]}`),
		},
		InputRegister:  0,
		OutputRegister: 0,
	}
}

type orchFakes struct {
	projects   *fakeProjects
	versions   *fakeVersions
	executions *fakeExecutions
	memory     *fakeMemory
}

func testOrchestrator(t *testing.T) (*Orchestrator, *orchFakes) {
	t.Helper()

	project := &models.Project{ID: uuid.New(), UserID: "u-1", Name: "demo"}
	version := &models.ProjectVersion{
		ID:        uuid.New(),
		ProjectID: project.ID,
		Version:   1,
		Status:    models.VersionActive,
	}

	f := &orchFakes{
		projects:   &fakeProjects{project: project},
		versions:   &fakeVersions{version: version},
		executions: newFakeExecutions(),
		memory:     newFakeMemory(),
	}
	o := New(Config{NodeID: "node-1"}, Deps{
		Logger:     logger.New("error", "json"),
		Projects:   f.projects,
		Versions:   f.versions,
		Executions: f.executions,
		Memory:     f.memory,
	})
	return o, f
}

func loaded(t *testing.T, f *orchFakes, p *ir.Program) *loadedVersion {
	t.Helper()
	ex, err := svm.NewExecutor(svm.Options{Program: p})
	require.NoError(t, err)
	return &loadedVersion{
		version:  f.versions.version,
		project:  f.projects.project,
		program:  p,
		executor: ex,
	}
}

func TestExecute_MemoryRowKeyedByVersionAndNode(t *testing.T) {
	o, f := testOrchestrator(t)
	lv := loaded(t, f, returnProgram())

	record, err := o.Execute(context.Background(), lv, ExecuteRequest{
		TriggerType: "api",
		Input:       map[string]interface{}{"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, record.Status)

	// Counters span executions, so the row is shared per version and node
	// rather than tied to any single run
	state := f.memory.row(t, lv.version.ID, "node-1")
	assert.Equal(t, uuid.Nil, state.ExecutionID)
	assert.Equal(t, 0, state.ConsecutiveErrors)
	assert.Empty(t, state.LastError)

	stored, err := f.executions.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, stored.Status)
	assert.Equal(t, 1, f.versions.recorded)
	assert.Equal(t, []models.ExecutionStatus{models.ExecutionSucceeded}, f.projects.statuses)
}

func TestExecute_ErrorStreakPersistsAcrossExecutions(t *testing.T) {
	o, f := testOrchestrator(t)
	failing := loaded(t, f, validateProgram())

	bad := map[string]interface{}{"name": "no id"}
	for i := 0; i < 2; i++ {
		record, err := o.Execute(context.Background(), failing, ExecuteRequest{
			TriggerType: "api", Input: bad,
		})
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailed, record.Status)
	}

	state := f.memory.row(t, failing.version.ID, "node-1")
	assert.Equal(t, 2, state.ConsecutiveErrors)
	assert.Contains(t, state.LastError, "schema order")
}

func TestExecute_SuccessResetsErrorStreak(t *testing.T) {
	o, f := testOrchestrator(t)
	failing := loaded(t, f, validateProgram())
	healthy := loaded(t, f, returnProgram())

	_, err := o.Execute(context.Background(), failing, ExecuteRequest{
		TriggerType: "api", Input: map[string]interface{}{"name": "no id"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.memory.row(t, failing.version.ID, "node-1").ConsecutiveErrors)

	_, err = o.Execute(context.Background(), healthy, ExecuteRequest{
		TriggerType: "api", Input: map[string]interface{}{"id": "o-1"},
	})
	require.NoError(t, err)

	state := f.memory.row(t, healthy.version.ID, "node-1")
	assert.Equal(t, 0, state.ConsecutiveErrors)
	assert.Empty(t, state.LastError)
}

func TestExecute_MemoryFailureDoesNotBlockExecution(t *testing.T) {
	o, f := testOrchestrator(t)
	f.memory.getErr = fmt.Errorf("memory store down")
	lv := loaded(t, f, returnProgram())

	record, err := o.Execute(context.Background(), lv, ExecuteRequest{
		TriggerType: "api", Input: map[string]interface{}{"id": "o-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, record.Status)

	stored, err := f.executions.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, stored.Status)
}

func TestMemoryWriter_CountersSurviveExecutions(t *testing.T) {
	o, f := testOrchestrator(t)
	lv := loaded(t, f, returnProgram())

	write := o.memoryWriter(lv)
	require.NoError(t, write(context.Background(), "trigger_count", nil))
	require.NoError(t, write(context.Background(), "trigger_count", nil))
	require.NoError(t, write(context.Background(), "consecutive_matches", nil))

	state := f.memory.row(t, lv.version.ID, "node-1")
	assert.Equal(t, uuid.Nil, state.ExecutionID)
	assert.Equal(t, 2, state.TriggerCount)
	assert.Equal(t, 1, state.ConsecutiveMatches)

	require.Error(t, write(context.Background(), "no_such_field", nil))
}
