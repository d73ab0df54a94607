// Package engine wires together every component of a running instance:
// the Graph Registry, a Store/WAL/Transaction-Coordinator trio per
// open graph, the global Saga Coordinator, and the Command Channel
// manager. It owns the data directory's process-level exclusivity and
// the startup recovery and shutdown draining sequences.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nodeforge/graphengine/internal/auth"
	"github.com/nodeforge/graphengine/internal/channel"
	"github.com/nodeforge/graphengine/internal/config"
	"github.com/nodeforge/graphengine/internal/graph"
	"github.com/nodeforge/graphengine/internal/ingest"
	"github.com/nodeforge/graphengine/internal/registry"
	"github.com/nodeforge/graphengine/internal/saga"
	"github.com/nodeforge/graphengine/internal/store"
	"github.com/nodeforge/graphengine/internal/txn"
	"github.com/nodeforge/graphengine/internal/wal"
)

// ErrAlreadyRunning is returned by Open when another process already
// holds the data directory's exclusivity lock: a second instance
// pointing at the same data directory must refuse to start.
var ErrAlreadyRunning = errors.New("engine: data directory is already in use by another instance")

// ErrAckTimeout is returned by EmitAndWait when no ack arrives before
// the supplied deadline.
var ErrAckTimeout = errors.New("engine: outbound command timed out waiting for ack")

const lockFileName = ".graphengine.lock"

// graphHandle bundles one open graph's collaborators.
type graphHandle struct {
	store *store.Store
	wal   *wal.WAL[txn.Record]
	txn   *txn.Coordinator
}

// corrEntry tracks which graph (and, for ad-hoc waits, which channel)
// a correlation id belongs to, so an inbound ack can be routed even
// though the wire format itself carries only a correlation_id, never a
// graph id.
type corrEntry struct {
	graphID string
	waiter  chan channel.Ack // nil when the correlation is owned by that graph's txn.Coordinator
}

// Engine is one running instance: a single data directory, its
// registry, every graph open within it, the saga coordinator, and the
// channel manager.
type Engine struct {
	cfg config.Config
	log *logrus.Entry

	lock *flock.Flock

	Registry *registry.Registry
	Ingest   *ingest.Ingestor
	Channel  *channel.Manager
	Saga     *saga.Coordinator
	sagaWAL  *wal.WAL[saga.Record]

	mu     sync.Mutex
	graphs map[string]*graphHandle

	corrMu sync.Mutex
	corr   map[string]corrEntry
	timers map[string]*time.Timer

	stopSnapshots chan struct{}
	wg            sync.WaitGroup

	closeOnce sync.Once
}

// Open acquires the data directory's exclusivity lock, opens the
// Registry and the global saga WAL, and constructs the channel manager
// and ingestion API. It does not open any graph; graphs are opened
// lazily on first reference, per OpenGraph/graphContext.
func Open(cfg config.Config, log *logrus.Entry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "engine")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("engine: acquire data directory lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "graph_registry.json"))
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("engine: open registry: %w", err)
	}

	sagaWAL, err := wal.Open[saga.Record](wal.Config{
		Dir: filepath.Join(cfg.DataDir, "saga_transaction_log"), SyncWrites: true, Logger: log,
	})
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("engine: open saga log: %w", err)
	}
	sagaCo := saga.New(sagaWAL, log)
	sagaCo.GracePeriod = cfg.SagaGracePeriod

	authenticator, err := auth.New(cfg.ChannelToken)
	if err != nil {
		_ = sagaWAL.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("engine: configure channel authentication: %w", err)
	}

	chMgr := channel.New(channel.Config{
		Auth:              authenticator,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatGrace:    cfg.HeartbeatGrace,
		Logger:            log,
	})

	e := &Engine{
		cfg:           cfg,
		log:           log,
		lock:          lock,
		Registry:      reg,
		Channel:       chMgr,
		Saga:          sagaCo,
		sagaWAL:       sagaWAL,
		graphs:        make(map[string]*graphHandle),
		corr:          make(map[string]corrEntry),
		timers:        make(map[string]*time.Timer),
		stopSnapshots: make(chan struct{}),
	}
	e.Ingest = ingest.New(reg, e.graphContext, log)
	chMgr.OnAck(e.handleAck)

	e.recoverSagas()

	e.wg.Add(1)
	go e.snapshotLoop()

	return e, nil
}

// recoverSagas logs every non-terminal saga found at startup and
// abandons the ones whose grace period has already elapsed. A saga
// abandoned this way is left Failed; notifying whatever started it is
// left to that collaborator, not the engine.
func (e *Engine) recoverSagas() {
	recs, err := e.Saga.Recover()
	if err != nil {
		e.log.WithError(err).Error("engine: saga recovery scan failed")
		return
	}
	for _, rec := range recs {
		age := time.Since(rec.CreatedAt)
		if age > e.Saga.GracePeriod {
			if err := e.Saga.Abandon(rec); err != nil {
				e.log.WithError(err).WithField("saga_id", rec.ID).Error("engine: failed to abandon stale saga")
				continue
			}
			e.log.WithField("saga_id", rec.ID).WithField("kind", rec.Kind).Warn("engine: abandoned saga past grace period at startup")
			continue
		}
		e.log.WithField("saga_id", rec.ID).WithField("kind", rec.Kind).Warn("engine: non-terminal saga recovered at startup, awaiting reconnection")
	}
}

// graphContext resolves an internal graph id to its collaborators,
// opening the graph from disk on first reference. It is the
// ingest.GraphProvider this engine supplies to its Ingestor.
func (e *Engine) graphContext(graphID string) (*ingest.GraphContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gh, ok := e.graphs[graphID]; ok {
		return &ingest.GraphContext{Store: gh.store, Txn: gh.txn}, nil
	}

	gh, err := e.openGraphLocked(graphID)
	if err != nil {
		return nil, err
	}
	return &ingest.GraphContext{Store: gh.store, Txn: gh.txn}, nil
}

// openGraphLocked loads a graph's snapshot, opens its WAL, reconciles
// any Committed writes the snapshot predates, and abandons whatever is
// left non-terminal. Callers must hold e.mu.
func (e *Engine) openGraphLocked(graphID string) (*graphHandle, error) {
	log := e.log.WithField("graph_id", graphID)

	st := store.New(graphID, e.cfg.DataDir, log)
	st.SnapshotEvery = e.cfg.SnapshotOpInterval
	st.IdleAfter = e.cfg.SnapshotIdleInterval
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("engine: load graph %s snapshot: %w", graphID, err)
	}

	w, err := wal.Open[txn.Record](wal.Config{
		Dir: filepath.Join(e.cfg.DataDir, "graphs", graphID, "transaction_log"), SyncWrites: true, Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open graph %s log: %w", graphID, err)
	}

	co := txn.New(graphID, st, w, log)
	co.AckTimeout = e.cfg.AckTimeout

	if err := co.ReconcileSnapshot(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("engine: reconcile graph %s: %w", graphID, err)
	}
	abandoned, err := co.AbandonNonTerminal()
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("engine: abandon stale transactions for graph %s: %w", graphID, err)
	}
	for _, rec := range abandoned {
		log.WithField("txn_id", rec.ID).Warn("engine: abandoned non-terminal transaction recovered at startup")
	}

	gh := &graphHandle{store: st, wal: w, txn: co}
	e.graphs[graphID] = gh
	return gh, nil
}

// OpenGraph resolves (or creates) a Registry entry for the given
// name/path/id and ensures its Store/WAL/Coordinator are open, ahead of
// any ingestion traffic. Returns the graph's internal id.
func (e *Engine) OpenGraph(name, path, providedID string) (string, error) {
	entry, err := e.Registry.GetOrCreate(name, path, providedID)
	if err != nil {
		return "", fmt.Errorf("engine: resolve graph: %w", err)
	}
	if _, err := e.graphContext(entry.ID); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// TrackOutbound registers correlationID as belonging to graphID before
// emitting a command whose ack resolves through that graph's
// Transaction Coordinator: the caller runs Begin + ApplyLocal with
// NeedsAck, emits the command, and records it here so handleAck can
// find it.
func (e *Engine) TrackOutbound(graphID, correlationID string) {
	e.corrMu.Lock()
	e.corr[correlationID] = corrEntry{graphID: graphID}
	e.corrMu.Unlock()
}

// UpdateBlock applies a content/property update to blockID within
// graphID through its Transaction Coordinator, then emits an outbound
// update_block command so the editor can reflect the change, and
// returns the transaction id without blocking for the ack: a concurrent
// handleAck call or the scheduled timeout resolves it later.
func (e *Engine) UpdateBlock(ctx context.Context, graphID, blockID, content string, props map[string]any) (string, error) {
	gc, err := e.graphContext(graphID)
	if err != nil {
		return "", err
	}
	op := store.Operation{Kind: store.OpUpdateBlockContent, BlockID: blockID, Content: content, Properties: props}
	desc := graph.OperationDescriptor{Kind: "update_block_content", Args: map[string]any{
		"block_id": blockID, "content": content, "properties": props,
	}}
	return e.applyWithAck(ctx, graphID, gc.Txn, op, desc, func(correlationID string) channel.Command {
		return channel.Command{Type: channel.UpdateBlock, CorrelationID: correlationID, BlockID: blockID, Content: content, Properties: props}
	})
}

// DeleteBlock archives and removes blockID from graphID through its
// Transaction Coordinator, then emits an outbound delete_block command,
// symmetric with UpdateBlock.
func (e *Engine) DeleteBlock(ctx context.Context, graphID, blockID string) (string, error) {
	gc, err := e.graphContext(graphID)
	if err != nil {
		return "", err
	}
	op := store.Operation{Kind: store.OpDeleteBlock, BlockID: blockID}
	desc := graph.OperationDescriptor{Kind: "delete_block", Args: map[string]any{"block_id": blockID}}
	return e.applyWithAck(ctx, graphID, gc.Txn, op, desc, func(correlationID string) channel.Command {
		return channel.Command{Type: channel.DeleteBlock, CorrelationID: correlationID, BlockID: blockID}
	})
}

// applyWithAck runs Begin + ApplyLocal with NeedsAck against co, tracks
// the resulting correlation id so handleAck can route the editor's
// eventual ack, schedules the independent timeout task the transaction's
// deadline requires, and emits the outbound command. A duplicate of an
// already-committed operation returns that transaction's id without
// emitting anything.
func (e *Engine) applyWithAck(ctx context.Context, graphID string, co *txn.Coordinator, op store.Operation, desc graph.OperationDescriptor, buildCmd func(string) channel.Command) (string, error) {
	h, err := co.Begin(ctx, op, desc)
	if err != nil {
		if errors.Is(err, txn.ErrDuplicateOperation) {
			return h.ID, nil
		}
		return "", err
	}

	correlationID := uuid.NewString()
	deadline := e.cfg.AckTimeout
	if err := co.ApplyLocal(h, txn.ApplyOptions{NeedsAck: true, CorrelationID: correlationID, Deadline: deadline}); err != nil {
		return "", err
	}

	e.TrackOutbound(graphID, correlationID)
	e.scheduleTimeout(graphID, correlationID, deadline)

	if err := e.Channel.Emit(buildCmd(correlationID)); err != nil {
		e.log.WithError(err).WithField("correlation_id", correlationID).Warn("engine: no authenticated connection to emit command, leaving transaction WaitingForAck until timeout")
	}
	return h.ID, nil
}

// scheduleTimeout starts the independent timer task a WaitingForAck
// transaction's deadline requires (§9: "timeouts are independent timer
// tasks"). If the ack already arrived and cleared the correlation id by
// the time the timer fires, this is a no-op.
func (e *Engine) scheduleTimeout(graphID, correlationID string, deadline time.Duration) {
	t := time.AfterFunc(deadline, func() { e.fireTimeout(graphID, correlationID) })
	e.corrMu.Lock()
	e.timers[correlationID] = t
	e.corrMu.Unlock()
}

func (e *Engine) fireTimeout(graphID, correlationID string) {
	e.corrMu.Lock()
	delete(e.timers, correlationID)
	_, ok := e.corr[correlationID]
	if ok {
		delete(e.corr, correlationID)
	}
	e.corrMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	gh, ok := e.graphs[graphID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := gh.txn.OnTimeout(correlationID); err != nil {
		e.log.WithError(err).WithField("correlation_id", correlationID).Error("engine: failed to process ack timeout")
	}
}

// EmitAndWait sends cmd and blocks until its ack arrives or timeout
// elapses, independent of any txn.Coordinator WaitingForAck state. Saga
// steps of kind OutboundCommand use this as their Do function's
// primitive.
func (e *Engine) EmitAndWait(ctx context.Context, graphID string, cmd channel.Command, timeout time.Duration) (channel.Ack, error) {
	waiter := make(chan channel.Ack, 1)
	e.corrMu.Lock()
	e.corr[cmd.CorrelationID] = corrEntry{graphID: graphID, waiter: waiter}
	e.corrMu.Unlock()
	defer func() {
		e.corrMu.Lock()
		delete(e.corr, cmd.CorrelationID)
		e.corrMu.Unlock()
	}()

	if err := e.Channel.Emit(cmd); err != nil {
		return channel.Ack{}, err
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case ack := <-waiter:
		return ack, nil
	case <-tctx.Done():
		return channel.Ack{}, ErrAckTimeout
	}
}

// handleAck routes one inbound ack to whichever collaborator registered
// its correlation id: an ad-hoc EmitAndWait caller, or the owning
// graph's Transaction Coordinator. An ack for an unknown correlation id
// is dropped, so a duplicate delivery never applies twice.
func (e *Engine) handleAck(ack channel.Ack) {
	e.corrMu.Lock()
	entry, ok := e.corr[ack.CorrelationID]
	if ok {
		delete(e.corr, ack.CorrelationID)
	}
	if t, tok := e.timers[ack.CorrelationID]; tok {
		t.Stop()
		delete(e.timers, ack.CorrelationID)
	}
	e.corrMu.Unlock()
	if !ok {
		e.log.WithField("correlation_id", ack.CorrelationID).Debug("engine: ack for unknown correlation id, dropping")
		return
	}

	if entry.waiter != nil {
		select {
		case entry.waiter <- ack:
		default:
		}
		return
	}

	e.mu.Lock()
	gh, ok := e.graphs[entry.graphID]
	e.mu.Unlock()
	if !ok {
		e.log.WithField("graph_id", entry.graphID).Warn("engine: ack for a graph that is no longer open")
		return
	}
	if err := gh.txn.OnAck(ack.CorrelationID, ack.Success, ack.Error); err != nil {
		e.log.WithError(err).WithField("correlation_id", ack.CorrelationID).Error("engine: failed to apply ack")
	}
}

// snapshotLoop periodically gives every open graph a chance to take a
// snapshot if its triggers have fired. It runs at a quarter of
// the configured idle interval so idle-triggered snapshots fire close
// to on time, floored at one second to stay well-behaved in tests that
// configure a very short idle interval.
func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	interval := e.cfg.SnapshotIdleInterval / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopSnapshots:
			return
		case <-ticker.C:
			e.mu.Lock()
			handles := make([]*graphHandle, 0, len(e.graphs))
			for _, gh := range e.graphs {
				handles = append(handles, gh)
			}
			e.mu.Unlock()
			for _, gh := range handles {
				if err := gh.store.MaybeSnapshot(); err != nil {
					e.log.WithError(err).Warn("engine: periodic snapshot failed")
				}
			}
		}
	}
}

// Close drains background work, writes a final snapshot for every open
// graph, flushes every WAL, and releases the data directory lock. Safe
// to call more than once.
func (e *Engine) Close() error {
	var firstErr error
	e.closeOnce.Do(func() {
		close(e.stopSnapshots)
		e.wg.Wait()

		e.corrMu.Lock()
		for id, t := range e.timers {
			t.Stop()
			delete(e.timers, id)
		}
		e.corrMu.Unlock()

		e.mu.Lock()
		defer e.mu.Unlock()
		for graphID, gh := range e.graphs {
			if err := gh.store.Snapshot(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("engine: final snapshot for graph %s: %w", graphID, err)
			}
			if err := gh.wal.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("engine: close WAL for graph %s: %w", graphID, err)
			}
		}

		if err := e.sagaWAL.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: close saga log: %w", err)
		}
		if err := e.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine: release data directory lock: %w", err)
		}
	})
	return firstErr
}
