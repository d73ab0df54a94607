package store

import "github.com/nodeforge/graphengine/internal/graph"

// Verify implements §4.4's verify operation and supports the
// `verify` ingestion entry point (§6.1): given the authoritative sets
// of page names and block ids that should exist, it archives and
// removes everything present in the store but absent from those sets,
// and returns the number of nodes archived plus any dangling BlockRef
// warnings surfaced along the way (§9 supplemented feature).
func (s *Store) Verify(expectedPages, expectedBlocks map[string]bool) (archived int, warnings []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for key, n := range s.nodes {
		switch n.Kind() {
		case graph.KindPage:
			if !expectedPages[key] {
				toRemove = append(toRemove, key)
			}
		case graph.KindBlock:
			if !expectedBlocks[key] {
				toRemove = append(toRemove, key)
			}
		}
	}

	var recs []*ArchiveRecord
	for _, key := range toRemove {
		n, ok := s.nodes[key]
		if !ok {
			continue
		}
		recs = append(recs, archiveRecordFor(key, n, s.incidentEdgesLocked(key)))
	}
	if err := s.appendArchiveBatch(recs); err != nil {
		return 0, nil, err
	}
	for _, key := range toRemove {
		s.removeEdgesForLocked(key)
		delete(s.nodes, key)
	}
	s.touch()

	// Dangling BlockRef warnings: any surviving BlockRef whose target
	// no longer resolves to a node (§3.3: permitted, verify-time warn
	// only, never an invariant violation).
	for source, kinds := range s.out {
		targets, ok := kinds[graph.BlockRef]
		if !ok {
			continue
		}
		for target := range targets {
			if _, ok := s.nodes[target]; !ok {
				warnings = append(warnings, "dangling BlockRef: "+source+" -> "+target)
			}
		}
	}

	return len(toRemove), warnings, nil
}
