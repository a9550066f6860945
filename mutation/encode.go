package mutation

import (
	"time"

	"github.com/hazyhaar/viewreplay/treediff"
	"github.com/hazyhaar/viewreplay/viewtree"
)

// DocumentID is the id of the synthetic document node that parents the
// captured root. It equals viewtree.NoID, so root-level operations (parent
// NoID) land on the document.
const DocumentID = viewtree.NoID

// Encoder maps diff operations and snapshots onto replay events. It keeps
// no state between calls.
type Encoder struct {
	hrefPrefix string
}

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithHrefPrefix sets the scheme prefix of Meta event hrefs. Default: "app://".
func WithHrefPrefix(prefix string) EncoderOption {
	return func(e *Encoder) { e.hrefPrefix = prefix }
}

// NewEncoder creates an Encoder.
func NewEncoder(opts ...EncoderOption) *Encoder {
	e := &Encoder{hrefPrefix: "app://"}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Encode turns one frame's operations into at most one incremental
// snapshot event. Frames without visible changes produce no event.
func (e *Encoder) Encode(ops []treediff.Operation, ts time.Time) []Event {
	m := e.Mutations(ops)
	if m.Empty() {
		return nil
	}
	return []Event{{Type: EventIncrementalSnapshot, Data: m, Timestamp: ts.UnixMilli()}}
}

// Mutations converts operations into mutation records, preserving their
// order within each record list.
func (e *Encoder) Mutations(ops []treediff.Operation) *MutationData {
	m := &MutationData{
		Source:     SourceMutation,
		Texts:      []TextRecord{},
		Attributes: []AttributeRecord{},
		Removes:    []RemoveRecord{},
		Adds:       []AddRecord{},
	}
	for _, op := range ops {
		switch op.Op {
		case treediff.OpRemove:
			m.Removes = append(m.Removes, RemoveRecord{ParentID: op.ParentID, ID: op.ID})
		case treediff.OpAdd:
			m.Adds = append(m.Adds, AddRecord{
				ParentID: op.ParentID,
				NextID:   optionalID(op.InsertBeforeID),
				Node:     serialize(op.Node, false),
			})
		case treediff.OpUpdate:
			e.update(m, op.Old, op.New)
		}
	}
	return m
}

// update appends the attribute and text records describing old → new.
// Both nodes have the same identity and kind.
func (e *Encoder) update(m *MutationData, old, new viewtree.Node) {
	if old == nil || new == nil || old.Kind() != new.Kind() {
		return
	}
	if changed := changedAttributes(attributes(old), attributes(new)); changed != nil {
		m.Attributes = append(m.Attributes, AttributeRecord{ID: new.Common().ID, Attributes: changed})
	}

	oldText, newText := viewtree.Text(old), viewtree.Text(new)
	if oldText == nil || newText == nil {
		return
	}
	before, after := displayText(old, oldText), displayText(new, newText)
	if before != after && newText.TextNodeID != viewtree.NoID {
		m.Texts = append(m.Texts, TextRecord{ID: newText.TextNodeID, Value: after})
	}
}

// EncodeFullSnapshot renders a whole snapshot as a Meta event followed by a
// FullSnapshot event.
func (e *Encoder) EncodeFullSnapshot(s *viewtree.Snapshot, ts time.Time) []Event {
	ms := ts.UnixMilli()
	doc := Node{Type: NodeDocument, ID: DocumentID}
	if s.Root != nil {
		doc.ChildNodes = []Node{serialize(s.Root, true)}
	}

	href := e.hrefPrefix + "root"
	if s.RootControllerID != "" {
		href = e.hrefPrefix + s.RootControllerID
	}
	return []Event{
		{Type: EventMeta, Data: &MetaData{Href: href, Width: s.CanvasSize.Width, Height: s.CanvasSize.Height}, Timestamp: ms},
		{Type: EventFullSnapshot, Data: &FullSnapshotData{Node: doc}, Timestamp: ms},
	}
}

func tagName(n viewtree.Node) string {
	switch n.Kind() {
	case viewtree.KindLabel:
		return "p"
	case viewtree.KindOverlayText:
		return "span"
	case viewtree.KindTextInput:
		return "textarea"
	case viewtree.KindImage:
		return "img"
	}
	return "div"
}

// serialize renders n as an element. Text-bearing kinds get their text child;
// element children are included only when deep is set (full snapshots), since
// incremental adds list every new node separately.
func serialize(n viewtree.Node, deep bool) Node {
	b := n.Common()
	el := Node{
		Type:       NodeElement,
		TagName:    tagName(n),
		Attributes: elementAttributes(n, attributes(n)),
		ID:         b.ID,
	}
	if tc := viewtree.Text(n); tc != nil && tc.TextNodeID != viewtree.NoID {
		el.ChildNodes = append(el.ChildNodes, Node{
			Type:        NodeText,
			TextContent: displayText(n, tc),
			ID:          tc.TextNodeID,
		})
	}
	if deep {
		for _, c := range b.Children {
			el.ChildNodes = append(el.ChildNodes, serialize(c, true))
		}
	}
	return el
}

func optionalID(id viewtree.Identity) *int64 {
	if id == viewtree.NoID {
		return nil
	}
	return &id
}
