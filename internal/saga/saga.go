// Package saga implements the Saga Coordinator (spec §4.6): durable
// orchestration of multi-step workflows whose steps span local graph
// mutations and outbound editor commands, with compensating actions on
// partial failure. Persisted to a dedicated global WAL (internal/wal,
// shared machinery with internal/txn) so a saga spanning two graphs
// survives a crash.
//
// Grounded on 2lar-b2's CreateNodeSaga builder shape (WithStep /
// WithCompensableStep, compensation run in reverse order on failure)
// and yungbote-neurobridge-backend's SagaRun/SagaAction durable ledger
// (running|succeeded|failed|compensating|compensated status enum,
// ordered per-saga action sequence), adapted from their SQL-backed
// ledgers to a record in this module's own badger-backed WAL.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nodeforge/graphengine/internal/wal"
)

// State is the saga's aggregate lifecycle position (§3.3).
type State string

const (
	StateRunning      State = "Running"
	StateCompleted    State = "Completed"
	StateCompensating State = "Compensating"
	StateCompensated  State = "Compensated"
	StateFailed       State = "Failed"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}

// StepKind is one of the three step shapes §4.6 names.
type StepKind string

const (
	StepLocalMutation   StepKind = "LocalMutation"
	StepOutboundCommand StepKind = "OutboundCommand"
	StepAdoptExternalID StepKind = "AdoptExternalId"
)

// StepState is one step's own lifecycle position.
type StepState string

const (
	StepPending     StepState = "Pending"
	StepCompleted   StepState = "Completed"
	StepFailed      StepState = "Failed"
	StepCompensated StepState = "Compensated"
)

// StepRecord is the persisted, durable view of one step: enough detail
// to show an operator what happened, not enough to resume execution
// without the Definition that produced it (see Coordinator.Recover).
type StepRecord struct {
	Name          string    `json:"name"`
	Kind          StepKind  `json:"kind"`
	State         StepState `json:"state"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Record is the WAL-persisted shape of a saga (§3.1 Saga record).
type Record struct {
	ID             string       `json:"id"`
	GraphID        string       `json:"graph_id"`
	Kind           string       `json:"kind"`
	State          State        `json:"state"`
	Steps          []StepRecord `json:"steps"`
	TempExternalID string       `json:"temp_external_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (r Record) RecordID() string { return r.ID }

// RecordFingerprint is empty: sagas are user-intent workflows, not
// deduplicated writes, so they carry no fingerprint index entry.
func (r Record) RecordFingerprint() string { return "" }
func (r Record) Terminal() bool            { return r.State.terminal() }

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// Step is one unit of saga work supplied by the caller at Run time.
// Do executes the step and returns an opaque result Compensate may
// need; Compensate, if non-nil, undoes the step's effect and is
// invoked in reverse order if a later step fails (§4.6).
type Step struct {
	Name       string
	Kind       StepKind
	Do         func(ctx context.Context) (any, error)
	Compensate func(ctx context.Context, result any) error
}

// Definition is an ordered list of steps forming one saga kind, built
// with Builder the way 2lar-b2's NewSagaBuilder(...).WithStep(...) does.
type Definition struct {
	Kind  string
	Steps []Step
}

// Builder assembles a Definition.
type Builder struct {
	def Definition
}

// NewBuilder starts a Definition of the given kind (e.g.
// "create_block_on_new_page").
func NewBuilder(kind string) *Builder {
	return &Builder{def: Definition{Kind: kind}}
}

// WithStep adds a non-compensable step.
func (b *Builder) WithStep(name string, kind StepKind, do func(ctx context.Context) (any, error)) *Builder {
	b.def.Steps = append(b.def.Steps, Step{Name: name, Kind: kind, Do: do})
	return b
}

// WithCompensableStep adds a step with a paired compensating action.
func (b *Builder) WithCompensableStep(name string, kind StepKind, do func(ctx context.Context) (any, error), compensate func(ctx context.Context, result any) error) *Builder {
	b.def.Steps = append(b.def.Steps, Step{Name: name, Kind: kind, Do: do, Compensate: compensate})
	return b
}

// Build returns the assembled Definition.
func (b *Builder) Build() Definition { return b.def }

// Coordinator runs Definitions to completion, persisting progress to a
// global WAL so a crash mid-saga is recoverable.
type Coordinator struct {
	wal *wal.WAL[Record]
	log *logrus.Entry

	// GracePeriod bounds how long a saga may remain in an observed
	// WaitingForAck-equivalent state after a crash before recovery
	// gives up and marks it Failed (§4.6 recovery, §9 Open Questions).
	GracePeriod time.Duration
}

// New constructs a Coordinator over an already-open global WAL.
func New(w *wal.WAL[Record], log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{wal: w, log: log.WithField("component", "saga"), GracePeriod: 2 * time.Minute}
}

// Run executes def's steps sequentially against graphID, persisting a
// Record transition after every step. On a step failure it runs
// compensation for every previously completed step, in reverse order,
// and returns the step's error wrapped with context.
func (c *Coordinator) Run(ctx context.Context, graphID string, def Definition) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		GraphID:   graphID,
		Kind:      def.Kind,
		State:     StateRunning,
		CreatedAt: time.Now(),
	}
	for _, s := range def.Steps {
		rec.Steps = append(rec.Steps, StepRecord{Name: s.Name, Kind: s.Kind, State: StepPending})
	}
	if err := c.wal.Append(rec); err != nil {
		return rec, fmt.Errorf("saga: append %s: %w", rec.ID, err)
	}

	results := make([]any, len(def.Steps))
	var completed []int

	for i, step := range def.Steps {
		res, err := step.Do(ctx)
		if err != nil {
			rec.Steps[i].State = StepFailed
			rec.Steps[i].Error = err.Error()
			rec.State = StateCompensating
			if uerr := c.wal.UpdateState(rec); uerr != nil {
				c.log.WithError(uerr).Error("saga: failed to persist Compensating state")
			}

			c.compensate(ctx, def, &rec, results, completed)

			rec.State = StateCompensated
			if len(completed) == 0 {
				// Nothing to undo: the saga never committed any
				// effect, so there is nothing to compensate away.
				rec.State = StateFailed
			}
			if uerr := c.wal.UpdateState(rec); uerr != nil {
				c.log.WithError(uerr).Error("saga: failed to persist terminal state")
			}
			return rec, fmt.Errorf("saga: step %q failed: %w", step.Name, err)
		}

		results[i] = res
		rec.Steps[i].State = StepCompleted
		completed = append(completed, i)
		if err := c.wal.UpdateState(rec); err != nil {
			c.log.WithError(err).Error("saga: failed to persist step progress")
		}
	}

	rec.State = StateCompleted
	if err := c.wal.UpdateState(rec); err != nil {
		c.log.WithError(err).Error("saga: failed to persist Completed state")
	}
	return rec, nil
}

func (c *Coordinator) compensate(ctx context.Context, def Definition, rec *Record, results []any, completed []int) {
	for i := len(completed) - 1; i >= 0; i-- {
		idx := completed[i]
		step := def.Steps[idx]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, results[idx]); err != nil {
			c.log.WithError(err).WithField("step", step.Name).Error("saga: compensation failed, leaving effect in place")
			rec.Steps[idx].Error = "compensation failed: " + err.Error()
			continue
		}
		rec.Steps[idx].State = StepCompensated
	}
}

// Recover returns every non-terminal saga record found at startup, so
// callers can log them, attempt to resume waiting on outstanding
// correlation ids, or declare them Failed once GracePeriod has elapsed
// (§4.6 recovery). Because step closures are not persisted, resumption
// of in-flight execution itself is the caller's responsibility; this
// module surfaces the durable bookkeeping it owns.
func (c *Coordinator) Recover() ([]Record, error) {
	var out []Record
	err := c.wal.IterUnrecovered(decodeRecord, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Abandon marks a recovered, still-non-terminal saga as Failed because
// its grace period elapsed without the editor reconnecting to deliver
// an outstanding ack (§4.6, §9 Open Questions: "terminal-Failed,
// notification left to the collaborator").
func (c *Coordinator) Abandon(rec Record) error {
	rec.State = StateFailed
	return c.wal.UpdateState(rec)
}
