package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nodeforge/graphengine/internal/graph"
)

// ArchiveRecord captures a node's last known state and its incident
// edges at the moment of deletion (§4.4 Deletion, §3.3 Node lifecycle).
//
// Page and Block are mutually exclusive, discriminated by Kind; this
// avoids marshaling the graph.Node interface directly (which would
// lose its concrete type across a JSON round trip), matching the
// teacher's serializableNode/serializableEdge pattern in
// pkg/storage/badger.go.
type ArchiveRecord struct {
	Key       string       `json:"key"`
	Kind      graph.Kind   `json:"kind"`
	Page      *graph.Page  `json:"page,omitempty"`
	Block     *graph.Block `json:"block,omitempty"`
	Edges     []graph.Edge `json:"edges"`
	DeletedAt time.Time    `json:"deleted_at"`
}

// NodeValue reconstructs the archived node as a graph.Node.
func (r *ArchiveRecord) NodeValue() graph.Node {
	if r.Page != nil {
		return r.Page
	}
	return r.Block
}

func archiveRecordFor(key string, n graph.Node, edges []graph.Edge) *ArchiveRecord {
	rec := &ArchiveRecord{Key: key, Kind: n.Kind(), Edges: edges, DeletedAt: time.Now()}
	switch v := n.(type) {
	case *graph.Page:
		rec.Page = v
	case *graph.Block:
		rec.Block = v
	}
	return rec
}

func (s *Store) archiveDir() string {
	return filepath.Join(s.dataDir, "graphs", s.graphID, "archived_nodes")
}

// appendArchive writes a single-node archive file, named
// archive_YYYYMMDD_HHMMSS_NNNN.json (§6.3's timestamped name plus the
// archiveSeq suffix). Called with s.mu held.
func (s *Store) appendArchive(rec *ArchiveRecord) error {
	return s.appendArchiveBatch([]*ArchiveRecord{rec})
}

// appendArchiveBatch writes every record in one timestamped archive
// file; used both for single deletes and for Verify's batch removals,
// so that a verify pass produces one archive file rather than one per
// removed node.
func (s *Store) appendArchiveBatch(recs []*ArchiveRecord) error {
	if len(recs) == 0 {
		return nil
	}
	dir := s.archiveDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create archive dir: %w", err)
	}

	// archiveSeq disambiguates two batches written within the same
	// second; os.Create below truncates, so a filename collision would
	// silently overwrite the earlier archive instead of erroring.
	s.archiveSeq++
	name := fmt.Sprintf("archive_%s_%04d.json", time.Now().Format("20060102_150405"), s.archiveSeq)
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode archive: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create archive file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("store: write archive file: %w", err)
	}
	return f.Sync()
}
