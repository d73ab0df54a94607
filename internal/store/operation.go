package store

import "github.com/nodeforge/graphengine/internal/graph"

// OpKind enumerates the mutations the Graph Store accepts from the
// transaction coordinator. Each has a defined pre-image shape so that
// Reverse can undo it exactly (§4.3 rollback path).
type OpKind string

const (
	OpInsertPage         OpKind = "insert_page"
	OpInsertBlock        OpKind = "insert_block"
	OpUpdateBlockContent OpKind = "update_block_content"
	OpDeleteBlock        OpKind = "delete_block"
	OpUpsertEdge         OpKind = "upsert_edge"
)

// Operation is a single mutation descriptor, carrying exactly the
// arguments its Kind needs.
type Operation struct {
	Kind OpKind

	Page *graph.Page // OpInsertPage
	Block *graph.Block // OpInsertBlock

	BlockID    string         // OpUpdateBlockContent, OpDeleteBlock
	Content    string         // OpUpdateBlockContent
	Properties map[string]any // OpUpdateBlockContent

	Edge graph.Edge // OpUpsertEdge
}

// PreImage is the opaque state Apply captures so Reverse can undo the
// operation later. Its shape depends on op.Kind.
type PreImage struct {
	// Existed is false for OpInsertPage/OpInsertBlock when the
	// operation actually created a new node (reverse = delete it).
	Existed bool
	Block   *graph.Block // previous content/properties, for OpUpdateBlockContent
	Archive *ArchiveRecord // for OpDeleteBlock
}

// Apply executes op against the store and returns the pre-image
// needed to reverse it, per §4.3's rollback contract.
func (s *Store) Apply(op Operation) (PreImage, error) {
	switch op.Kind {
	case OpInsertPage:
		key := graph.NormalizePageName(op.Page.Name)
		s.mu.RLock()
		_, existed := s.nodes[key]
		s.mu.RUnlock()
		if _, err := s.InsertPage(op.Page); err != nil {
			return PreImage{}, err
		}
		return PreImage{Existed: existed}, nil

	case OpInsertBlock:
		if _, err := s.InsertBlock(op.Block); err != nil {
			return PreImage{}, err
		}
		return PreImage{Existed: false}, nil

	case OpUpdateBlockContent:
		s.mu.RLock()
		n, ok := s.nodes[op.BlockID]
		s.mu.RUnlock()
		if !ok {
			return PreImage{}, ErrNotFound
		}
		b, ok := n.(*graph.Block)
		if !ok {
			return PreImage{}, ErrInvariantViolation
		}
		prior := b.Clone()
		if _, err := s.UpdateBlockContent(op.BlockID, op.Content, op.Properties); err != nil {
			return PreImage{}, err
		}
		return PreImage{Block: prior}, nil

	case OpDeleteBlock:
		rec, err := s.DeleteBlock(op.BlockID)
		if err != nil {
			return PreImage{}, err
		}
		return PreImage{Archive: rec}, nil

	case OpUpsertEdge:
		if err := s.UpsertEdge(op.Edge); err != nil {
			return PreImage{}, err
		}
		return PreImage{}, nil

	default:
		return PreImage{}, ErrInvariantViolation
	}
}

// Reverse undoes an Apply call using the pre-image it returned,
// restoring the store to its state "prior to Apply" (§3.2).
func (s *Store) Reverse(op Operation, pre PreImage) error {
	switch op.Kind {
	case OpInsertPage:
		if !pre.Existed {
			key := graph.NormalizePageName(op.Page.Name)
			s.mu.Lock()
			s.removeEdgesForLocked(key)
			delete(s.nodes, key)
			s.mu.Unlock()
		}
		return nil

	case OpInsertBlock:
		s.mu.Lock()
		s.removeEdgesForLocked(op.Block.ExternalID)
		delete(s.nodes, op.Block.ExternalID)
		s.mu.Unlock()
		return nil

	case OpUpdateBlockContent:
		if pre.Block == nil {
			return ErrInvariantViolation
		}
		_, err := s.UpdateBlockContent(pre.Block.ExternalID, pre.Block.Content, pre.Block.Properties)
		return err

	case OpDeleteBlock:
		if pre.Archive == nil {
			return ErrInvariantViolation
		}
		b := pre.Archive.Block
		if b == nil {
			return ErrInvariantViolation
		}
		s.mu.Lock()
		s.nodes[b.ExternalID] = b
		for _, e := range pre.Archive.Edges {
			s.setEdge(e.Kind, e.Source, e.Target)
		}
		s.mu.Unlock()
		return nil

	case OpUpsertEdge:
		s.mu.Lock()
		s.removeEdge(op.Edge.Kind, op.Edge.Source, op.Edge.Target)
		s.mu.Unlock()
		return nil

	default:
		return ErrInvariantViolation
	}
}
