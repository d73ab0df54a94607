package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nodeforge/graphengine/internal/graph"
)

// Snapshot is the on-disk, point-in-time serialization of a Store.
// Persisted at <data>/graphs/<graph_id>/knowledge_graph.json per §6.3.
type Snapshot struct {
	GraphID   string          `json:"graph_id"`
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Pages     []*graph.Page   `json:"pages"`
	Blocks    []*graph.Block  `json:"blocks"`
	Edges     []graph.Edge    `json:"edges"`
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dataDir, "graphs", s.graphID, "knowledge_graph.json")
}

// Snapshot serializes the current state and atomically replaces the
// on-disk snapshot file (write-to-temp + fsync + rename), mirroring
// the teacher's SaveSnapshot in pkg/storage/wal.go.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	snap := s.buildSnapshotLocked()
	s.opsSinceSnapshot = 0
	s.lastSnapshotAt = time.Now()
	s.mu.Unlock()

	path := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("store: create temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("store: write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: fsync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}
	return nil
}

func (s *Store) buildSnapshotLocked() Snapshot {
	snap := Snapshot{
		GraphID:   s.graphID,
		Timestamp: time.Now(),
	}
	for _, n := range s.nodes {
		switch v := n.(type) {
		case *graph.Page:
			snap.Pages = append(snap.Pages, v)
		case *graph.Block:
			snap.Blocks = append(snap.Blocks, v)
		}
	}
	snap.Edges = s.allEdgesLocked()
	return snap
}

// Load reads the on-disk snapshot, if any, and populates the Store
// with its contents. A missing snapshot file is not an error: the
// graph simply starts empty, to be rebuilt from WAL recovery.
func (s *Store) Load() error {
	path := s.snapshotPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]graph.Node)
	s.out = make(map[string]map[graph.EdgeKind]map[string]bool)
	s.in = make(map[string]map[graph.EdgeKind]map[string]bool)

	for _, p := range snap.Pages {
		s.nodes[p.Name] = p
	}
	for _, b := range snap.Blocks {
		s.nodes[b.ExternalID] = b
	}
	for _, e := range snap.Edges {
		s.setEdge(e.Kind, e.Source, e.Target)
	}
	return nil
}
