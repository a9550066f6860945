package viewtree

import "time"

// Snapshot is one fully captured UI tree. It must not be mutated after
// NewSnapshot returns: the diff engine and encoder share its nodes.
type Snapshot struct {
	CapturedAt time.Time
	Root       Node // nil for an empty tree
	CanvasSize Size

	// RootControllerID names the top-level screen, when the platform has one.
	RootControllerID string
	// DeclarativeRootID is the identity of the declarative UI host, if any.
	DeclarativeRootID Identity

	nodes []Node
}

// SnapshotOption configures NewSnapshot.
type SnapshotOption func(*Snapshot)

// WithRootController sets Snapshot.RootControllerID.
func WithRootController(id string) SnapshotOption {
	return func(s *Snapshot) { s.RootControllerID = id }
}

// WithDeclarativeRoot sets Snapshot.DeclarativeRootID.
func WithDeclarativeRoot(id Identity) SnapshotOption {
	return func(s *Snapshot) { s.DeclarativeRootID = id }
}

// NewSnapshot links root (parent and next-sibling ids) and freezes it into
// a Snapshot.
func NewSnapshot(at time.Time, root Node, canvas Size, opts ...SnapshotOption) *Snapshot {
	s := &Snapshot{CapturedAt: at, Root: root, CanvasSize: canvas}
	for _, o := range opts {
		o(s)
	}
	if root != nil {
		Link(root)
		s.nodes = Flatten(root)
	}
	return s
}

// Nodes returns the pre-order flattening of the tree. A nil snapshot or an
// empty tree yields nil.
func (s *Snapshot) Nodes() []Node {
	if s == nil || s.Root == nil {
		return nil
	}
	if s.nodes == nil {
		s.nodes = Flatten(s.Root)
	}
	return s.nodes
}

// Len returns the number of nodes in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Nodes())
}

// Link fills ParentID and NextSiblingID across the tree rooted at root.
// The root gets NoID for both.
func Link(root Node) {
	if root == nil {
		return
	}
	b := root.Common()
	b.ParentID = NoID
	b.NextSiblingID = NoID
	linkChildren(b)
}

func linkChildren(parent *Base) {
	kids := parent.Children
	for i, child := range kids {
		cb := child.Common()
		cb.ParentID = parent.ID
		cb.NextSiblingID = NoID
		if i+1 < len(kids) {
			cb.NextSiblingID = kids[i+1].Common().ID
		}
		linkChildren(cb)
	}
}

// Flatten returns the nodes of the tree in pre-order (document order).
func Flatten(root Node) []Node {
	if root == nil {
		return nil
	}
	var out []Node
	stack := []Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		kids := n.Common().Children
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// Walk calls fn for every node in pre-order with its depth. Returning false
// from fn skips the node's subtree.
func Walk(root Node, fn func(n Node, depth int) bool) {
	if root == nil {
		return
	}
	walk(root, 0, fn)
}

func walk(n Node, depth int, fn func(Node, int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Common().Children {
		walk(c, depth+1, fn)
	}
}
