package cdc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
)

func collectMissions(missions *[]*models.Mission) MissionSink {
	return func(ctx context.Context, m *models.Mission) error {
		*missions = append(*missions, m)
		return nil
	}
}

func insertEvent(table, tx string, after string) *models.CDCEvent {
	return &models.CDCEvent{
		EventID:   "ev-1",
		Timestamp: time.Now().UTC(),
		Source:    models.CDCSource{DB: "shop", Table: table},
		After:     json.RawMessage(after),
		Operation: models.CDCInsert,
		TxID:      tx,
		LogOffset: 100,
	}
}

func TestProcess_FirstMatchingRuleWins(t *testing.T) {
	var missions []*models.Mission
	p, err := NewProcessor(nil, []Rule{
		{ID: "r-orders", WorkflowID: "wf-orders", Table: "orders",
			Operations: []models.CDCOperation{models.CDCInsert},
			Priority:   models.PriorityHigh},
		{ID: "r-any", WorkflowID: "wf-any", Priority: models.PriorityLow},
	}, collectMissions(&missions), logger.New("error", "json"))
	require.NoError(t, err)

	// Both rules match, but only the first-listed one claims the event
	require.NoError(t, p.Process(context.Background(), insertEvent("orders", "tx-1", `{"id":1}`)))
	require.Len(t, missions, 1)
	assert.Equal(t, "wf-orders", missions[0].WorkflowID)

	missions = nil
	require.NoError(t, p.Process(context.Background(), insertEvent("customers", "tx-2", `{}`)))
	require.Len(t, missions, 1)
	assert.Equal(t, "wf-any", missions[0].WorkflowID)
}

func TestProcess_DBAndSchemaFilters(t *testing.T) {
	var missions []*models.Mission
	p, err := NewProcessor(nil, []Rule{
		{ID: "r-crm", WorkflowID: "wf-crm", DB: "crm", Schema: "public",
			Table: "orders", Priority: models.PriorityNormal},
	}, collectMissions(&missions), logger.New("error", "json"))
	require.NoError(t, err)

	ev := insertEvent("orders", "tx-db-1", `{}`)
	ev.Source.DB = "shop"
	ev.Source.Schema = "public"
	require.NoError(t, p.Process(context.Background(), ev))
	assert.Empty(t, missions)

	ev = insertEvent("orders", "tx-db-2", `{}`)
	ev.Source.DB = "crm"
	ev.Source.Schema = "audit"
	require.NoError(t, p.Process(context.Background(), ev))
	assert.Empty(t, missions)

	ev = insertEvent("orders", "tx-db-3", `{}`)
	ev.Source.DB = "crm"
	ev.Source.Schema = "public"
	require.NoError(t, p.Process(context.Background(), ev))
	require.Len(t, missions, 1)
	assert.Equal(t, "wf-crm", missions[0].WorkflowID)
}

func TestProcess_OperationFilter(t *testing.T) {
	var missions []*models.Mission
	p, err := NewProcessor(nil, []Rule{
		{ID: "r-del", WorkflowID: "wf-del", Table: "orders",
			Operations: []models.CDCOperation{models.CDCDelete},
			Priority:   models.PriorityNormal},
	}, collectMissions(&missions), logger.New("error", "json"))
	require.NoError(t, err)

	require.NoError(t, p.Process(context.Background(), insertEvent("orders", "tx-3", `{}`)))
	assert.Empty(t, missions)
}

func TestProcess_PredicateOverAfterImage(t *testing.T) {
	var missions []*models.Mission
	p, err := NewProcessor(nil, []Rule{
		{ID: "r-big", WorkflowID: "wf-big", Table: "orders",
			Predicate: "value.total > 100.0",
			Priority:  models.PriorityCritical},
	}, collectMissions(&missions), logger.New("error", "json"))
	require.NoError(t, err)

	require.NoError(t, p.Process(context.Background(), insertEvent("orders", "tx-4", `{"total":250.0}`)))
	require.Len(t, missions, 1)

	require.NoError(t, p.Process(context.Background(), insertEvent("orders", "tx-5", `{"total":10.0}`)))
	require.Len(t, missions, 1)
}

func TestNewProcessor_RejectsBadPredicate(t *testing.T) {
	_, err := NewProcessor(nil, []Rule{
		{ID: "r-bad", WorkflowID: "wf", Predicate: "value.total >>> 1"},
	}, func(context.Context, *models.Mission) error { return nil },
		logger.New("error", "json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r-bad")
}

func TestBuildMission_PriorityDeadlines(t *testing.T) {
	var missions []*models.Mission
	p, err := NewProcessor(nil, []Rule{
		{ID: "r-crit", WorkflowID: "wf", Table: "alerts", Priority: models.PriorityCritical},
	}, collectMissions(&missions), logger.New("error", "json"))
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, p.Process(context.Background(), insertEvent("alerts", "tx-6", `{}`)))
	require.Len(t, missions, 1)

	m := missions[0]
	assert.Equal(t, models.PriorityCritical, m.Priority)
	assert.WithinDuration(t, before.Add(5*time.Minute), m.Deadline, 5*time.Second)
	assert.NotEmpty(t, m.ID)
	require.NotNil(t, m.Event)
	assert.Equal(t, "alerts", m.Event.Source.Table)
}

func TestNormalize_NativeForm(t *testing.T) {
	raw := []byte(`{
		"source": {"db":"shop","table":"orders"},
		"after": {"id": 7},
		"operation": "U",
		"tx_id": "tx-42",
		"log_offset": 9001
	}`)

	ev, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "orders", ev.Source.Table)
	assert.Equal(t, models.CDCUpdate, ev.Operation)
	assert.Equal(t, "tx-42", ev.TxID)
	assert.Equal(t, int64(9001), ev.LogOffset)
	assert.NotEmpty(t, ev.EventID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestNormalize_DebeziumEnvelope(t *testing.T) {
	raw := []byte(`{
		"payload": {
			"before": null,
			"after": {"id": 7, "status": "NEW"},
			"op": "c",
			"ts_ms": 1712345678000,
			"source": {"db":"shop","schema":"public","table":"orders","txId":811,"lsn":23445,"name":"pg-main"}
		}
	}`)

	ev, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, models.CDCInsert, ev.Operation)
	assert.Equal(t, "orders", ev.Source.Table)
	assert.Equal(t, "public", ev.Source.Schema)
	assert.Equal(t, "pg-main", ev.Source.Connector)
	assert.Equal(t, "811", ev.TxID)
	assert.Equal(t, int64(23445), ev.LogOffset)
	assert.Equal(t, "cdc.orders.I", ev.EventType)
	assert.Equal(t, time.UnixMilli(1712345678000).UTC(), ev.Timestamp)
}

func TestNormalize_DebeziumOperations(t *testing.T) {
	for op, want := range map[string]models.CDCOperation{
		"c": models.CDCInsert,
		"r": models.CDCInsert,
		"u": models.CDCUpdate,
		"d": models.CDCDelete,
	} {
		raw := []byte(`{"payload":{"op":"` + op + `","source":{"table":"t","txId":1}}}`)
		ev, err := Normalize(raw)
		require.NoError(t, err, "op %q", op)
		assert.Equal(t, want, ev.Operation)
	}

	_, err := Normalize([]byte(`{"payload":{"op":"x","source":{"table":"t"}}}`))
	require.Error(t, err)
}

func TestNormalize_RejectsMissingTable(t *testing.T) {
	_, err := Normalize([]byte(`{"payload":{"op":"c","source":{"db":"shop"}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source table")
}
