package store

import (
	"regexp"
	"sort"

	"github.com/nodeforge/graphengine/internal/graph"
)

// Content-reference syntax. Grounded on the two-pass wiki-link scan in
// ali01-mnemosyne's graph_builder.go (BuildGraph), adapted to this
// data model's four derived edge kinds instead of a single wikilink
// edge type.
var (
	pageRefPattern  = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)
	blockRefPattern = regexp.MustCompile(`\(\(([a-zA-Z0-9_-]+)\)\)`)
	tagPattern      = regexp.MustCompile(`#([a-zA-Z0-9_/-]+)`)
)

// deriveContentEdgesLocked parses a block's content and property bag
// and writes its outgoing PageRef/BlockRef/Tag/Property edges. Callers
// must have already cleared any prior derived edges for source.
func (s *Store) deriveContentEdgesLocked(source, content string, props map[string]any) {
	seenPageRef := map[string]bool{}
	for _, m := range pageRefPattern.FindAllStringSubmatch(content, -1) {
		name := graph.NormalizePageName(m[1])
		if seenPageRef[name] {
			continue
		}
		seenPageRef[name] = true
		s.ensurePageAndEdgeLocked(graph.PageRef, source, name)
	}

	seenTag := map[string]bool{}
	for _, m := range tagPattern.FindAllStringSubmatch(content, -1) {
		name := graph.NormalizePageName(m[1])
		if seenTag[name] {
			continue
		}
		seenTag[name] = true
		s.ensurePageAndEdgeLocked(graph.Tag, source, name)
	}

	for _, m := range blockRefPattern.FindAllStringSubmatch(content, -1) {
		// BlockRef targets may be dangling (§3.3); no implicit
		// creation, the edge is simply recorded.
		s.setEdge(graph.BlockRef, source, m[1])
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.ensurePageAndEdgeLocked(graph.Property, source, graph.NormalizePageName(k))
	}
}

func (s *Store) ensurePageAndEdgeLocked(kind graph.EdgeKind, source, targetPage string) {
	if _, ok := s.nodes[targetPage]; !ok {
		_, _ = s.insertPageLocked(&graph.Page{Name: targetPage, OriginalName: targetPage})
	}
	s.setEdge(kind, source, targetPage)
}
