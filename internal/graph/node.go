// Package graph defines the property-graph data model: the two node
// variants (Page, Block), the closed set of edge kinds, and content
// fingerprinting used for write deduplication.
package graph

import (
	"strings"
	"time"
)

// Kind discriminates the two node variants: a closed, two-valued tag
// rather than an open label set.
type Kind string

const (
	KindPage  Kind = "Page"
	KindBlock Kind = "Block"
)

// Node is implemented by *Page and *Block: a tagged-variant approach
// to labeled entities, specialized to exactly the two shapes the data
// model allows.
type Node interface {
	Kind() Kind
	// Key is the node's unique external identifier: a Page's
	// normalized name, or a Block's external id.
	Key() string
}

// Page is a uniquely-named note. Name is stored normalized
// (lower-cased); OriginalName preserves the user-facing casing.
type Page struct {
	Name         string // normalized, unique within a graph
	OriginalName string
	Properties   map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
	JournalDay   *time.Time // set only for daily-journal pages
}

func (p *Page) Kind() Kind  { return KindPage }
func (p *Page) Key() string { return p.Name }

// NormalizePageName lower-cases a page name for use as its unique key.
func NormalizePageName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Block is a unit of content owned, directly or transitively, by a
// Page. ExternalID is opaque and supplied by the editor; it may start
// as a temporary id later replaced via an AdoptExternalId saga step.
type Block struct {
	ExternalID        string
	Content           string
	Properties        map[string]any
	ParentID          string // empty if the block is a page root
	PageName           string // normalized owning page
	LeftSiblingID      string // empty if leftmost among its siblings
	Format             string // e.g. "markdown", "org"
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedRefContent string // filled in by an import step; not authoritative
}

func (b *Block) Kind() Kind  { return KindBlock }
func (b *Block) Key() string { return b.ExternalID }

// Clone returns a deep copy suitable for use as a pre-image captured
// before an in-place mutation (see store.Store.apply/reverse).
func (p *Page) Clone() *Page {
	cp := *p
	cp.Properties = cloneProps(p.Properties)
	if p.JournalDay != nil {
		d := *p.JournalDay
		cp.JournalDay = &d
	}
	return &cp
}

func (b *Block) Clone() *Block {
	cp := *b
	cp.Properties = cloneProps(b.Properties)
	return &cp
}

func cloneProps(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
