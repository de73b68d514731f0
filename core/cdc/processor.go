// Package cdc consumes change-data-capture streams, deduplicates events,
// matches them against declarative rules and turns matches into missions
// with priority deadlines.
package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbathe/eyeflow-sub003/common/logger"
	"github.com/mbathe/eyeflow-sub003/common/models"
	"github.com/mbathe/eyeflow-sub003/common/queue"
	commonredis "github.com/mbathe/eyeflow-sub003/common/redis"
	"github.com/mbathe/eyeflow-sub003/core/condition"
)

// dedupTTL bounds how long an event identity is remembered. Replays older
// than this window are treated as new events.
const dedupTTL = time.Hour

// Rule matches CDC events to a workflow. Rules are ordered: the first
// matching rule claims the event.
type Rule struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	DB         string                 `json:"db,omitempty"`         // empty matches any database
	Schema     string                 `json:"schema,omitempty"`     // empty matches any schema
	Table      string                 `json:"table"`                // empty matches any table
	Operations []models.CDCOperation  `json:"operations,omitempty"` // empty matches all
	Predicate  string                 `json:"predicate,omitempty"`  // CEL over the after image
	Priority   models.MissionPriority `json:"priority"`
}

// matchesSource reports whether the rule accepts the event's origin
func (r *Rule) matchesSource(src models.CDCSource) bool {
	if r.DB != "" && r.DB != src.DB {
		return false
	}
	if r.Schema != "" && r.Schema != src.Schema {
		return false
	}
	if r.Table != "" && r.Table != src.Table {
		return false
	}
	return true
}

// matchesOp reports whether the rule accepts the operation
func (r *Rule) matchesOp(op models.CDCOperation) bool {
	if len(r.Operations) == 0 {
		return true
	}
	for _, o := range r.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// MissionSink receives missions produced from matched events
type MissionSink func(ctx context.Context, m *models.Mission) error

// Processor is the CDC intake pipeline
type Processor struct {
	redis     *commonredis.Client
	evaluator *condition.Evaluator
	log       *logger.Logger
	sink      MissionSink

	rules []Rule
}

// NewProcessor creates a processor. redis may be nil, in which case
// deduplication is skipped (single-consumer deployments).
func NewProcessor(redisClient *commonredis.Client, rules []Rule, sink MissionSink, log *logger.Logger) (*Processor, error) {
	ev := condition.NewEvaluator()
	for _, r := range rules {
		if r.Predicate != "" {
			if err := ev.Compile(r.Predicate); err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
	}
	return &Processor{
		redis:     redisClient,
		evaluator: ev,
		log:       log,
		sink:      sink,
		rules:     rules,
	}, nil
}

// Subscribe attaches the processor to a queue topic
func (p *Processor) Subscribe(ctx context.Context, q queue.Queue, topic string) error {
	return q.Subscribe(ctx, topic, func(ctx context.Context, key string, value []byte, headers map[string]string) error {
		ev, err := Normalize(value)
		if err != nil {
			// Malformed events are logged and dropped, not retried
			p.log.Warn("dropping malformed cdc event", "key", key, "error", err)
			return nil
		}
		return p.Process(ctx, ev)
	})
}

// Process runs one event through dedup, matching and mission emission
func (p *Processor) Process(ctx context.Context, ev *models.CDCEvent) error {
	fresh, err := p.dedup(ctx, ev)
	if err != nil {
		return err
	}
	if !fresh {
		p.log.Debug("duplicate cdc event suppressed",
			"table", ev.Source.Table, "tx", ev.TxID, "offset", ev.LogOffset)
		return nil
	}

	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.matchesSource(ev.Source) {
			continue
		}
		if !rule.matchesOp(ev.Operation) {
			continue
		}
		if rule.Predicate != "" {
			matched, err := p.evalPredicate(rule.Predicate, ev)
			if err != nil {
				p.log.Warn("cdc rule predicate failed",
					"rule", rule.ID, "error", err)
				continue
			}
			if !matched {
				continue
			}
		}

		// First match wins: one event becomes at most one mission
		mission := p.buildMission(rule, ev)
		if err := p.sink(ctx, mission); err != nil {
			return fmt.Errorf("emit mission for rule %s: %w", rule.ID, err)
		}
		p.log.Info("cdc mission created",
			"rule", rule.ID, "workflow", rule.WorkflowID,
			"priority", rule.Priority, "deadline", mission.Deadline)
		return nil
	}
	return nil
}

// dedup claims the event identity (table, txId, logOffset). Returns false
// for an already-seen event.
func (p *Processor) dedup(ctx context.Context, ev *models.CDCEvent) (bool, error) {
	if p.redis == nil {
		return true, nil
	}
	key := fmt.Sprintf("cdc:dedup:%s:%s:%d", ev.Source.Table, ev.TxID, ev.LogOffset)
	fresh, err := p.redis.SetNX(ctx, key, "1", dedupTTL)
	if err != nil {
		// When dedup storage is down we prefer duplicate processing over
		// dropped events
		p.log.Warn("cdc dedup unavailable, processing without dedup", "error", err)
		return true, nil
	}
	return fresh, nil
}

func (p *Processor) evalPredicate(expr string, ev *models.CDCEvent) (bool, error) {
	var after interface{}
	if len(ev.After) > 0 {
		if err := json.Unmarshal(ev.After, &after); err != nil {
			return false, fmt.Errorf("decode after image: %w", err)
		}
	}
	var before interface{}
	if len(ev.Before) > 0 {
		_ = json.Unmarshal(ev.Before, &before)
	}
	return p.evaluator.EvaluateBool(expr, after, map[string]interface{}{
		"before":    before,
		"operation": string(ev.Operation),
		"table":     ev.Source.Table,
	})
}

func (p *Processor) buildMission(rule *Rule, ev *models.CDCEvent) *models.Mission {
	now := time.Now().UTC()
	return &models.Mission{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		WorkflowID: rule.WorkflowID,
		Priority:   rule.Priority,
		Deadline:   now.Add(rule.Priority.Deadline()),
		Event:      ev,
		CreatedAt:  now,
	}
}

// Normalize parses a raw change event. Both the flat native form and the
// Debezium envelope (payload.source, payload.op, payload.before/after) are
// accepted.
func Normalize(raw []byte) (*models.CDCEvent, error) {
	var ev models.CDCEvent
	if err := json.Unmarshal(raw, &ev); err == nil && ev.Source.Table != "" && ev.TxID != "" {
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		return &ev, nil
	}

	var envelope struct {
		Payload struct {
			Before json.RawMessage `json:"before"`
			After  json.RawMessage `json:"after"`
			Op     string          `json:"op"`
			TsMS   int64           `json:"ts_ms"`
			Source struct {
				DB     string `json:"db"`
				Schema string `json:"schema"`
				Table  string `json:"table"`
				TxID   int64  `json:"txId"`
				LSN    int64  `json:"lsn"`
				Name   string `json:"name"`
			} `json:"source"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unrecognized cdc format: %w", err)
	}
	pl := envelope.Payload
	if pl.Source.Table == "" {
		return nil, fmt.Errorf("cdc event has no source table")
	}

	var op models.CDCOperation
	switch pl.Op {
	case "c", "r":
		op = models.CDCInsert
	case "u":
		op = models.CDCUpdate
	case "d":
		op = models.CDCDelete
	default:
		return nil, fmt.Errorf("unknown cdc operation %q", pl.Op)
	}

	ts := time.Now().UTC()
	if pl.TsMS > 0 {
		ts = time.UnixMilli(pl.TsMS).UTC()
	}

	return &models.CDCEvent{
		EventID:   uuid.NewString(),
		EventType: "cdc." + pl.Source.Table + "." + string(op),
		Timestamp: ts,
		Source: models.CDCSource{
			DB:        pl.Source.DB,
			Table:     pl.Source.Table,
			Schema:    pl.Source.Schema,
			Connector: pl.Source.Name,
		},
		Before:    pl.Before,
		After:     pl.After,
		Operation: op,
		TxID:      fmt.Sprintf("%d", pl.Source.TxID),
		LogOffset: pl.Source.LSN,
	}, nil
}
