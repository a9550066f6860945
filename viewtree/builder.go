package viewtree

import (
	"sync"
	"time"

	"github.com/hazyhaar/viewreplay/idgen"
)

// IdentityCache maps opaque platform handles to identities. An element keeps
// its identity for as long as its handle stays in the cache, which makes
// repeated captures of the same element diff as "same node".
//
// Handles must be comparable (pointers, ints, strings, ...).
type IdentityCache struct {
	mu      sync.Mutex
	alloc   *idgen.Allocator
	ids     map[any]Identity
	textIDs map[any]Identity
}

// NewIdentityCache returns a cache drawing from alloc, or from
// idgen.DefaultAllocator when alloc is nil.
func NewIdentityCache(alloc *idgen.Allocator) *IdentityCache {
	if alloc == nil {
		alloc = idgen.DefaultAllocator
	}
	return &IdentityCache{
		alloc:   alloc,
		ids:     make(map[any]Identity),
		textIDs: make(map[any]Identity),
	}
}

// ID returns the identity of handle, allocating one on first sight.
func (c *IdentityCache) ID(handle any) Identity {
	return c.lookup(c.ids, handle)
}

// TextID returns the identity of the synthetic text child of handle.
func (c *IdentityCache) TextID(handle any) Identity {
	return c.lookup(c.textIDs, handle)
}

func (c *IdentityCache) lookup(m map[any]Identity, handle any) Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := m[handle]; ok {
		return id
	}
	id := c.alloc.Allocate()
	m[handle] = id
	return id
}

// Forget drops handle from the cache, e.g. when the platform object is
// deallocated.
func (c *IdentityCache) Forget(handle any) {
	c.mu.Lock()
	delete(c.ids, handle)
	delete(c.textIDs, handle)
	c.mu.Unlock()
}

// Len returns the number of cached element identities.
func (c *IdentityCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Element is a platform UI element as seen by a capture implementation.
type Element interface {
	Handle() any
	Children() []Element
}

// Decision tells the Builder what to do with a described element.
type Decision int

const (
	// Record keeps the element as a node and descends into its children.
	Record Decision = iota
	// Skip drops the element but hoists its recorded children to the
	// nearest recorded ancestor.
	Skip
	// Prune drops the element and its whole subtree.
	Prune
)

// DescribeContext is handed to a Describer for one element.
type DescribeContext struct {
	cache  *IdentityCache
	handle any

	// ParentMasked reports whether the nearest recorded ancestor is masked.
	ParentMasked bool
	// Depth is the element depth in the platform tree.
	Depth int
}

// ID returns the element's stable identity.
func (dc *DescribeContext) ID() Identity { return dc.cache.ID(dc.handle) }

// TextNodeID returns the identity of the element's text child.
func (dc *DescribeContext) TextNodeID() Identity { return dc.cache.TextID(dc.handle) }

// Describer converts one element into a node without children. The
// returned node is ignored unless the decision is Record.
type Describer func(el Element, dc *DescribeContext) (Node, Decision)

// Builder turns platform element trees into snapshots.
type Builder struct {
	cache    *IdentityCache
	describe Describer
}

// NewBuilder creates a Builder. cache may be nil (a fresh cache on the
// default allocator is used).
func NewBuilder(cache *IdentityCache, describe Describer) *Builder {
	if cache == nil {
		cache = NewIdentityCache(nil)
	}
	return &Builder{cache: cache, describe: describe}
}

// Cache returns the builder's identity cache.
func (b *Builder) Cache() *IdentityCache { return b.cache }

// Build captures the tree under root. When root itself is skipped and more
// than one node survives at the top level, they are wrapped in a container
// carrying root's identity so the snapshot keeps a single root.
func (b *Builder) Build(root Element, at time.Time, canvas Size, opts ...SnapshotOption) *Snapshot {
	if root == nil {
		return NewSnapshot(at, nil, canvas, opts...)
	}
	top := b.build(root, false, 0)

	var rootNode Node
	switch len(top) {
	case 0:
	case 1:
		rootNode = top[0]
	default:
		rootNode = &Container{Base: Base{
			ID:       b.cache.ID(root.Handle()),
			Frame:    Rect{Width: canvas.Width, Height: canvas.Height},
			Alpha:    1,
			KindName: "root",
			Children: top,
		}}
	}
	return NewSnapshot(at, rootNode, canvas, opts...)
}

// build returns the nodes el contributes to its parent's child list: one
// node when recorded, its hoisted descendants when skipped.
func (b *Builder) build(el Element, parentMasked bool, depth int) []Node {
	dc := &DescribeContext{
		cache:        b.cache,
		handle:       el.Handle(),
		ParentMasked: parentMasked,
		Depth:        depth,
	}
	n, decision := b.describe(el, dc)

	switch decision {
	case Prune:
		return nil
	case Skip:
		var hoisted []Node
		for _, child := range el.Children() {
			hoisted = append(hoisted, b.build(child, parentMasked, depth+1)...)
		}
		return hoisted
	}
	if n == nil {
		return nil
	}

	base := n.Common()
	base.ID = dc.ID()
	if parentMasked {
		base.Masked = true
	}
	if tc := Text(n); tc != nil && tc.TextNodeID == NoID {
		tc.TextNodeID = dc.TextNodeID()
	}

	var kids []Node
	for _, child := range el.Children() {
		kids = append(kids, b.build(child, base.Masked, depth+1)...)
	}
	base.Children = kids
	return []Node{n}
}
