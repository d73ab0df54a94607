// Package ingest implements the Ingestion Entry Points: the narrow
// in-process API the out-of-scope HTTP bulk-sync surface and the
// Command Channel call to submit writes. It performs graph routing
// through the Registry and delegates to each graph's Transaction
// Coordinator, never touching the Graph Store or WAL directly.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodeforge/graphengine/internal/graph"
	"github.com/nodeforge/graphengine/internal/registry"
	"github.com/nodeforge/graphengine/internal/store"
	"github.com/nodeforge/graphengine/internal/txn"
)

// ErrUnknownGraph is returned when a GraphSelector cannot be resolved
// to a registered graph: ingestion rejects it rather than
// speculatively creating one.
var ErrUnknownGraph = fmt.Errorf("ingest: %w", registry.ErrUnknownGraph)

// ErrInvalidPayload marks a rejected, malformed ingestion item.
var ErrInvalidPayload = errors.New("ingest: invalid payload")

// GraphSelector identifies a graph by any combination of id, name, and
// path, resolved through the Registry.
type GraphSelector struct {
	ID   string
	Name string
	Path string
}

// ItemKind is the closed set of ingest_batch item kinds.
type ItemKind string

const (
	KindPage       ItemKind = "page"
	KindBlock      ItemKind = "block"
	KindPageBatch  ItemKind = "page_batch"
	KindBlockBatch ItemKind = "block_batch"
)

// SyncKind distinguishes the two sync_status timestamps.
type SyncKind string

const (
	SyncIncremental SyncKind = "incremental"
	SyncFull        SyncKind = "full"
)

// PageItem is one page to ingest.
type PageItem struct {
	Name       string
	Properties map[string]any
	JournalDay *time.Time
}

// BlockItem is one block to ingest.
type BlockItem struct {
	ExternalID    string
	Content       string
	Properties    map[string]any
	ParentID      string
	PageName      string
	LeftSiblingID string
	Format        string
}

// Item wraps exactly one of PageItem or BlockItem, matching kind.
type Item struct {
	Page  *PageItem
	Block *BlockItem
}

// Result reports the outcome of ingesting one Item.
type Result struct {
	TxnID     string
	Duplicate bool
	Skipped   bool // empty block content: filtered, not an error
}

// SyncStatus answers the sync_status ingestion operation.
type SyncStatus struct {
	IncrementalAt time.Time
	FullAt        time.Time
	NodeCount     int
	EdgeCount     int
}

// GraphContext bundles the per-graph collaborators a coordinator needs
// to apply a write: the Graph Store and its owning Transaction
// Coordinator. internal/engine constructs one per registered graph.
type GraphContext struct {
	Store *store.Store
	Txn   *txn.Coordinator
}

// GraphProvider resolves an internal graph id to its collaborators.
// Supplied by internal/engine, which owns graph lifecycle.
type GraphProvider func(graphID string) (*GraphContext, error)

// Ingestor is the in-process entry-point surface for submitting writes.
type Ingestor struct {
	registry *registry.Registry
	graphs   GraphProvider
	log      *logrus.Entry

	mu   sync.Mutex
	sync map[string]*SyncStatus // graphID -> timestamps, in-memory bookkeeping
}

// New constructs an Ingestor over reg, resolving graph collaborators
// via graphs.
func New(reg *registry.Registry, graphs GraphProvider, log *logrus.Entry) *Ingestor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingestor{
		registry: reg,
		graphs:   graphs,
		log:      log.WithField("component", "ingest"),
		sync:     make(map[string]*SyncStatus),
	}
}

func (in *Ingestor) resolve(sel GraphSelector) (string, *GraphContext, error) {
	entry, err := in.registry.Get(sel.ID, sel.Name, sel.Path)
	if err != nil {
		return "", nil, ErrUnknownGraph
	}
	gc, err := in.graphs(entry.ID)
	if err != nil {
		return "", nil, fmt.Errorf("ingest: resolve graph %s: %w", entry.ID, err)
	}
	return entry.ID, gc, nil
}

// IngestBatch applies every item in items as its own transaction,
// routed to the graph named by sel. Batch boundaries suppress the
// Graph Store's snapshot triggers for the duration. Inbound writes
// never require an outbound command: they commit as soon as the
// Graph Store applies them.
func (in *Ingestor) IngestBatch(ctx context.Context, sel GraphSelector, kind ItemKind, items []Item) ([]Result, error) {
	graphID, gc, err := in.resolve(sel)
	if err != nil {
		return nil, err
	}

	gc.Store.BeginBulk()
	defer gc.Store.EndBulk()

	results := make([]Result, 0, len(items))
	for _, item := range items {
		res, err := in.ingestOne(ctx, gc, kind, item)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	in.touchLocked(graphID, SyncIncremental)
	return results, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, gc *GraphContext, kind ItemKind, item Item) (Result, error) {
	op, desc, skip, err := buildOperation(kind, item)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if skip {
		return Result{Skipped: true}, nil
	}

	h, err := gc.Txn.Begin(ctx, op, desc)
	if err != nil {
		if errors.Is(err, txn.ErrDuplicateOperation) {
			return Result{TxnID: h.ID, Duplicate: true}, nil
		}
		return Result{}, err
	}

	if err := gc.Txn.ApplyLocal(h, txn.ApplyOptions{NeedsAck: false}); err != nil {
		return Result{}, err
	}
	return Result{TxnID: h.ID}, nil
}

// buildOperation translates an ingest Item into a Graph Store
// Operation plus its normalized fingerprint descriptor: lower-case
// page names, sorted property keys, volatile fields excluded.
func buildOperation(kind ItemKind, item Item) (store.Operation, graph.OperationDescriptor, bool, error) {
	switch kind {
	case KindPage, KindPageBatch:
		if item.Page == nil {
			return store.Operation{}, graph.OperationDescriptor{}, false, fmt.Errorf("ingest: page item missing")
		}
		p := item.Page
		name := graph.NormalizePageName(p.Name)
		op := store.Operation{Kind: store.OpInsertPage, Page: &graph.Page{
			Name: name, OriginalName: p.Name, Properties: p.Properties, JournalDay: p.JournalDay,
		}}
		desc := graph.OperationDescriptor{Kind: "insert_page", Args: map[string]any{
			"name": name, "properties": p.Properties,
		}}
		return op, desc, false, nil

	case KindBlock, KindBlockBatch:
		if item.Block == nil {
			return store.Operation{}, graph.OperationDescriptor{}, false, fmt.Errorf("ingest: block item missing")
		}
		b := item.Block
		if b.Content == "" {
			// Empty block content is filtered at ingestion, not an
			// error, and produces no transaction.
			return store.Operation{}, graph.OperationDescriptor{}, true, nil
		}
		op := store.Operation{Kind: store.OpInsertBlock, Block: &graph.Block{
			ExternalID: b.ExternalID, Content: b.Content, Properties: b.Properties,
			ParentID: b.ParentID, PageName: graph.NormalizePageName(b.PageName),
			LeftSiblingID: b.LeftSiblingID, Format: b.Format,
		}}
		// external_id is deliberately excluded: an outbound insert_block
		// command is fingerprinted before the editor assigns the block
		// its real id, so the inbound echo (created with that real id,
		// not a temp_id) must still hash to the same fingerprint for
		// §8's echo-dedup to recognize it as the same write.
		desc := graph.OperationDescriptor{Kind: "insert_block", Args: map[string]any{
			"content": b.Content, "properties": b.Properties,
			"parent_id": b.ParentID, "page_name": graph.NormalizePageName(b.PageName),
		}}
		return op, desc, false, nil

	default:
		return store.Operation{}, graph.OperationDescriptor{}, false, fmt.Errorf("ingest: unknown item kind %q", kind)
	}
}

// Verify runs the Graph Store verify operation for sel's graph,
// returning the archived-node count and dangling-reference warnings.
func (in *Ingestor) Verify(ctx context.Context, sel GraphSelector, expectedPages, expectedBlocks map[string]bool) (int, []string, error) {
	_, gc, err := in.resolve(sel)
	if err != nil {
		return 0, nil, err
	}
	return gc.Store.Verify(expectedPages, expectedBlocks)
}

// SyncStatusFor returns the two sync timestamps plus node/edge counts
// for sel's graph.
func (in *Ingestor) SyncStatusFor(ctx context.Context, sel GraphSelector) (SyncStatus, error) {
	graphID, gc, err := in.resolve(sel)
	if err != nil {
		return SyncStatus{}, err
	}

	in.mu.Lock()
	s, ok := in.sync[graphID]
	if !ok {
		s = &SyncStatus{}
		in.sync[graphID] = s
	}
	snap := *s
	in.mu.Unlock()

	stats := gc.Store.Stats()
	snap.NodeCount = stats.NodeCount
	snap.EdgeCount = stats.EdgeCount
	return snap, nil
}

// TouchSync updates the corresponding sync timestamp for sel's graph.
func (in *Ingestor) TouchSync(ctx context.Context, sel GraphSelector, kind SyncKind) error {
	graphID, _, err := in.resolve(sel)
	if err != nil {
		return err
	}
	in.touchLocked(graphID, kind)
	return nil
}

func (in *Ingestor) touchLocked(graphID string, kind SyncKind) {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.sync[graphID]
	if !ok {
		s = &SyncStatus{}
		in.sync[graphID] = s
	}
	now := time.Now()
	if kind == SyncFull {
		s.FullAt = now
	} else {
		s.IncrementalAt = now
	}
}

// EditorConfigValidator is the out-of-scope editor-config collaborator
// behind validate_editor_config. Left as a narrow interface so this
// module compiles and is testable without it.
type EditorConfigValidator interface {
	Validate(ctx context.Context, graphID string, hasHiddenProperty, hasGraphID bool) (repaired bool, err error)
}

// ValidateEditorConfig instructs validator to repair sel's graph
// configuration, then records the reconciliation in the Registry on
// success.
func (in *Ingestor) ValidateEditorConfig(ctx context.Context, sel GraphSelector, validator EditorConfigValidator, hasHiddenProperty, hasGraphID bool) (bool, error) {
	graphID, _, err := in.resolve(sel)
	if err != nil {
		return false, err
	}
	repaired, err := validator.Validate(ctx, graphID, hasHiddenProperty, hasGraphID)
	if err != nil {
		return false, fmt.Errorf("ingest: validate editor config: %w", err)
	}
	if err := in.registry.MarkConfigUpdated(graphID); err != nil {
		return repaired, fmt.Errorf("ingest: mark config updated: %w", err)
	}
	return repaired, nil
}
