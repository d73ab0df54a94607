// Package txn implements the Transaction Coordinator (spec §4.3): the
// state machine owning a single mutation's lifecycle, consulting the
// WAL for dedup and correlating acknowledgments from the command
// channel. Grounded on the teacher's pkg/storage/transaction.go
// (buffered pre-image capture, Commit/Rollback) generalized from a
// single-process commit to one that may suspend awaiting an external
// ack.
package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nodeforge/graphengine/internal/graph"
	"github.com/nodeforge/graphengine/internal/store"
	"github.com/nodeforge/graphengine/internal/wal"
)

// State is the transaction coordinator's state machine position, per
// the table in §4.3.
type State string

const (
	StateActive        State = "Active"
	StateWaitingForAck  State = "WaitingForAck"
	StateCommitted      State = "Committed"
	StateAborted        State = "Aborted"
)

var (
	// ErrDuplicateOperation is returned (as a non-error success
	// signal) when begin() binds to an existing outstanding txn with
	// the same fingerprint, per §7's DuplicateOperation policy.
	ErrDuplicateOperation = errors.New("txn: duplicate operation")
	ErrUnknownTxn         = errors.New("txn: unknown transaction")
	ErrNotWaiting         = errors.New("txn: not waiting for ack")
	ErrDegraded           = errors.New("txn: coordinator degraded, rejecting writes")
)

// Record is the WAL-persisted shape of a transaction (§3.1 Transaction
// record).
type Record struct {
	ID            string        `json:"id"`
	GraphID       string        `json:"graph_id"`
	Op            store.Operation `json:"op"`
	Fingerprint   string        `json:"fingerprint"`
	State         State         `json:"state"`
	CreatedAt     time.Time     `json:"created_at"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Deadline      *time.Time    `json:"deadline,omitempty"`
}

func (r Record) RecordID() string          { return r.ID }
func (r Record) RecordFingerprint() string { return r.Fingerprint }
func (r Record) Terminal() bool            { return r.State == StateCommitted || r.State == StateAborted }

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

// Handle is returned by Begin and threaded through Apply/OnAck/OnTimeout.
type Handle struct {
	ID          string
	Duplicate   bool
	Fingerprint string
}

// pending tracks in-memory state for a WaitingForAck transaction that
// Begin/Apply don't persist verbatim in the WAL record (the pre-image,
// and a channel the waiter can block on).
type pending struct {
	rec      Record
	preImage store.PreImage
	done     chan ackResult
}

type ackResult struct {
	ok  bool
	err error
}

// Coordinator owns one graph's write serialization, WAL, and the
// outstanding WaitingForAck set.
type Coordinator struct {
	graphID string
	store   *store.Store
	wal     *wal.WAL[Record]
	log     *logrus.Entry

	writeMu sync.Mutex // per-graph exclusive write lock, §5
	mu      sync.Mutex // protects waiting/degraded below
	waiting map[string]*pending
	degraded bool

	// AckTimeout is the default deadline granted to a WaitingForAck
	// transaction when the caller doesn't specify one.
	AckTimeout time.Duration
}

// New constructs a Coordinator for one graph over an already-open WAL.
func New(graphID string, st *store.Store, w *wal.WAL[Record], log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		graphID:    graphID,
		store:      st,
		wal:        w,
		log:        log.WithField("graph_id", graphID),
		waiting:    make(map[string]*pending),
		AckTimeout: 30 * time.Second,
	}
}

// Begin computes op's fingerprint and either binds to an outstanding
// transaction with the same fingerprint (Duplicate=true, caller must
// not re-apply) or creates and appends a new Active record.
func (c *Coordinator) Begin(ctx context.Context, op store.Operation, desc graph.OperationDescriptor) (Handle, error) {
	c.mu.Lock()
	degraded := c.degraded
	c.mu.Unlock()
	if degraded {
		return Handle{}, ErrDegraded
	}

	fp := string(desc.Fingerprint())

	// §3.2: the fingerprint index maps to at most one transaction in
	// the pending-or-committed state, i.e. anything but Aborted. A
	// second write with the same fingerprint binds to that record
	// rather than re-applying, even after it has already Committed
	// (§8: "ingest_batch of the same items twice ... leaves only one
	// Committed record per fingerprint").
	if id, err := c.wal.FindByFingerprint(fp); err == nil {
		if rec, gerr := c.wal.Get(id, decodeRecord); gerr == nil && rec.State != StateAborted {
			return Handle{ID: rec.ID, Duplicate: true, Fingerprint: fp}, ErrDuplicateOperation
		}
	}

	rec := Record{
		ID:          uuid.NewString(),
		GraphID:     c.graphID,
		Op:          op,
		Fingerprint: fp,
		State:       StateActive,
		CreatedAt:   time.Now(),
	}
	if err := c.wal.Append(rec); err != nil {
		c.markDegraded(err)
		return Handle{}, fmt.Errorf("%w: %v", ErrWALIOError, err)
	}
	return Handle{ID: rec.ID, Fingerprint: fp}, nil
}

// ApplyOptions is supplied by the caller: NeedsAck says whether this
// op requires the editor to be told (the caller knows this).
type ApplyOptions struct {
	NeedsAck      bool
	CorrelationID string
	Deadline      time.Duration
}

// ApplyLocal instructs the Graph Store to apply the transaction's
// operation, capturing its pre-image. On success: if no ack is
// required the transaction commits immediately; otherwise it moves to
// WaitingForAck and the caller is responsible for emitting the
// outbound command using opts.CorrelationID.
func (c *Coordinator) ApplyLocal(h Handle, opts ApplyOptions) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec, err := c.wal.Get(h.ID, decodeRecord)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownTxn, err)
	}
	if rec.State != StateActive {
		return fmt.Errorf("txn: cannot apply from state %s", rec.State)
	}

	pre, err := c.store.Apply(rec.Op)
	if err != nil {
		rec.State = StateAborted
		_ = c.wal.UpdateState(rec)
		return fmt.Errorf("%w: %v", ErrGraphInvariantViolation, err)
	}

	if !opts.NeedsAck {
		rec.State = StateCommitted
		if err := c.wal.UpdateState(rec); err != nil {
			c.markDegraded(err)
			return fmt.Errorf("%w: %v", ErrWALIOError, err)
		}
		return nil
	}

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = c.AckTimeout
	}
	dl := time.Now().Add(deadline)
	rec.State = StateWaitingForAck
	rec.CorrelationID = opts.CorrelationID
	rec.Deadline = &dl
	if err := c.wal.UpdateState(rec); err != nil {
		c.markDegraded(err)
		return fmt.Errorf("%w: %v", ErrWALIOError, err)
	}

	c.mu.Lock()
	c.waiting[opts.CorrelationID] = &pending{rec: rec, preImage: pre, done: make(chan ackResult, 1)}
	c.mu.Unlock()
	return nil
}

// OnAck resolves a WaitingForAck transaction identified by
// correlationID. A duplicate ack for a correlation id no longer
// outstanding is dropped, per §5's "delivered at most once" guarantee.
func (c *Coordinator) OnAck(correlationID string, success bool, failureReason string) error {
	c.mu.Lock()
	p, ok := c.waiting[correlationID]
	if ok {
		delete(c.waiting, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithField("correlation_id", correlationID).Debug("txn: ack for unknown or already-resolved correlation id, dropping")
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec := p.rec
	if success {
		rec.State = StateCommitted
		if err := c.wal.UpdateState(rec); err != nil {
			c.markDegraded(err)
			return fmt.Errorf("%w: %v", ErrWALIOError, err)
		}
		p.done <- ackResult{ok: true}
		return nil
	}

	if err := c.store.Reverse(rec.Op, p.preImage); err != nil {
		c.log.WithError(err).Warn("txn: reverse failed during ack-failure rollback")
	}
	rec.State = StateAborted
	if err := c.wal.UpdateState(rec); err != nil {
		c.markDegraded(err)
	}
	p.done <- ackResult{ok: false, err: fmt.Errorf("%w: %s", ErrAckFailure, failureReason)}
	return nil
}

// OnTimeout is equivalent to a failure ack with reason "timeout"
// (§4.3). Callers invoke this from an independent timer task per
// rec.Deadline (§9: "timeouts are independent timer tasks").
func (c *Coordinator) OnTimeout(correlationID string) error {
	c.mu.Lock()
	p, ok := c.waiting[correlationID]
	if ok {
		delete(c.waiting, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.Reverse(p.rec.Op, p.preImage); err != nil {
		c.log.WithError(err).Warn("txn: reverse failed during timeout rollback")
	}
	rec := p.rec
	rec.State = StateAborted
	if err := c.wal.UpdateState(rec); err != nil {
		c.markDegraded(err)
	}
	p.done <- ackResult{ok: false, err: ErrAckTimeout}
	return nil
}

// Wait blocks until the transaction identified by correlationID
// reaches a terminal state, or ctx is cancelled.
func (c *Coordinator) Wait(ctx context.Context, correlationID string) error {
	c.mu.Lock()
	p, ok := c.waiting[correlationID]
	c.mu.Unlock()
	if !ok {
		return ErrNotWaiting
	}
	select {
	case res := <-p.done:
		if !res.ok {
			return res.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the current WAL record for a transaction id.
func (c *Coordinator) Get(id string) (Record, error) {
	return c.wal.Get(id, decodeRecord)
}

// Recover loads every non-terminal transaction at startup. Callers
// use the returned records to decide, per record, whether to resume
// waiting (if Deadline hasn't elapsed) or abort.
func (c *Coordinator) Recover() ([]Record, error) {
	var out []Record
	err := c.wal.IterUnrecovered(decodeRecord, func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Abandon marks a recovered, still-non-terminal transaction Aborted
// with no attempt at a store-level reverse: the pre-image captured by
// ApplyLocal lives only in c.waiting and does not survive a process
// restart, so crash recovery and shutdown (§5 "abandons outbound
// waits ... records Aborted") can only record the outcome, not undo it.
func (c *Coordinator) Abandon(rec Record) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	rec.State = StateAborted
	return c.wal.UpdateState(rec)
}

// Reapply re-applies a Committed record's operation directly against
// the Graph Store, used during startup recovery to fill in writes the
// last snapshot predates (§8 scenario 6). A store-level "already
// exists" response means the snapshot already reflected this write;
// that is success, not a conflict.
func (c *Coordinator) Reapply(rec Record) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.store.Apply(rec.Op)
	if err != nil && errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

// ReconcileSnapshot re-applies every Committed record the Graph Store's
// on-disk snapshot predates, directly against the store (§8 scenario 6:
// "otherwise recovery re-applies the missing Committed records from
// WAL"). Call once at startup, after store.Load() and before serving
// traffic. A store-level "already exists" response means the snapshot
// already reflected this write.
func (c *Coordinator) ReconcileSnapshot() error {
	var committed []Record
	if err := c.wal.IterAll(decodeRecord, func(rec Record) error {
		if rec.State == StateCommitted {
			committed = append(committed, rec)
		}
		return nil
	}); err != nil {
		return err
	}

	// IterAll visits records in badger key order (by id), not creation
	// order; Reapply only tolerates ErrAlreadyExists, so an update or
	// delete replayed ahead of the insert it depends on would abort
	// recovery with ErrNotFound.
	sort.Slice(committed, func(i, j int) bool {
		return committed[i].CreatedAt.Before(committed[j].CreatedAt)
	})

	for _, rec := range committed {
		if err := c.Reapply(rec); err != nil {
			return err
		}
	}
	return nil
}

// AbandonNonTerminal recovers and aborts every still-open transaction
// found at startup (§5 "shutdown ... abandons outbound waits, records
// Aborted"; the same disposition applies to a crash recovered at the
// next startup, since no pre-image survives the restart to reverse).
// It returns the abandoned records so the caller can log them.
func (c *Coordinator) AbandonNonTerminal() ([]Record, error) {
	recs, err := c.Recover()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := c.Abandon(rec); err != nil {
			return recs, err
		}
	}
	return recs, nil
}

func (c *Coordinator) markDegraded(err error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	c.log.WithError(err).Error("txn: coordinator degraded after WAL I/O failure")
}
