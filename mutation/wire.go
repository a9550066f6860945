// Package mutation defines the replay wire format and the encoder that
// produces it. The shapes follow the rrweb event model so that a stock
// replay player can consume them: full snapshots carry a serialised node
// tree, incremental snapshots carry add/remove/text/attribute records.
package mutation

import (
	"encoding/json"
	"fmt"
)

// EventType is the rrweb top-level event type.
type EventType int

const (
	EventDomContentLoaded    EventType = 0
	EventLoad                EventType = 1
	EventFullSnapshot        EventType = 2
	EventIncrementalSnapshot EventType = 3
	EventMeta                EventType = 4
)

// SourceMutation is the incremental-snapshot source for DOM mutations.
const SourceMutation = 0

// NodeType is the rrweb serialised node type.
type NodeType int

const (
	NodeDocument NodeType = 0
	NodeElement  NodeType = 2
	NodeText     NodeType = 3
)

// Node is a serialised replay node.
type Node struct {
	Type        NodeType          `json:"type"`
	TagName     string            `json:"tagName,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ChildNodes  []Node            `json:"childNodes,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	ID          int64             `json:"id"`
}

// MarshalJSON emits only the fields rrweb expects for each node type;
// elements always carry attributes and childNodes, even when empty.
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.Type {
	case NodeText:
		return json.Marshal(struct {
			Type        NodeType `json:"type"`
			TextContent string   `json:"textContent"`
			ID          int64    `json:"id"`
		}{n.Type, n.TextContent, n.ID})
	case NodeDocument:
		return json.Marshal(struct {
			Type       NodeType `json:"type"`
			ChildNodes []Node   `json:"childNodes"`
			ID         int64    `json:"id"`
		}{n.Type, nonNilNodes(n.ChildNodes), n.ID})
	default:
		attrs := n.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		return json.Marshal(struct {
			Type       NodeType          `json:"type"`
			TagName    string            `json:"tagName"`
			Attributes map[string]string `json:"attributes"`
			ChildNodes []Node            `json:"childNodes"`
			ID         int64             `json:"id"`
		}{n.Type, n.TagName, attrs, nonNilNodes(n.ChildNodes), n.ID})
	}
}

func nonNilNodes(ns []Node) []Node {
	if ns == nil {
		return []Node{}
	}
	return ns
}

// AddRecord inserts Node under ParentID before NextID (nil = append).
type AddRecord struct {
	ParentID int64  `json:"parentId"`
	NextID   *int64 `json:"nextId"`
	Node     Node   `json:"node"`
}

// RemoveRecord detaches ID from ParentID.
type RemoveRecord struct {
	ParentID int64 `json:"parentId"`
	ID       int64 `json:"id"`
}

// AttributeRecord sets changed attributes/style properties of ID. An empty
// value clears the property.
type AttributeRecord struct {
	ID         int64             `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// TextRecord replaces the content of text node ID.
type TextRecord struct {
	ID    int64  `json:"id"`
	Value string `json:"value"`
}

// MutationData is the payload of an incremental snapshot. rrweb requires all
// four lists to be present.
type MutationData struct {
	Source     int               `json:"source"`
	Texts      []TextRecord      `json:"texts"`
	Attributes []AttributeRecord `json:"attributes"`
	Removes    []RemoveRecord    `json:"removes"`
	Adds       []AddRecord       `json:"adds"`
}

// Empty reports whether the mutation carries no records.
func (m *MutationData) Empty() bool {
	return len(m.Texts) == 0 && len(m.Attributes) == 0 && len(m.Removes) == 0 && len(m.Adds) == 0
}

// Offset is the scroll offset of a full snapshot.
type Offset struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// FullSnapshotData is the payload of a full snapshot.
type FullSnapshotData struct {
	Node          Node   `json:"node"`
	InitialOffset Offset `json:"initialOffset"`
}

// MetaData announces the page (screen) and viewport size.
type MetaData struct {
	Href   string  `json:"href"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Event is one timestamped replay event. Data holds *MutationData,
// *FullSnapshotData or *MetaData depending on Type.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"` // epoch milliseconds
}

// UnmarshalJSON decodes Data into the concrete type matching Type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      EventType       `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Timestamp = raw.Timestamp

	var data any
	switch raw.Type {
	case EventFullSnapshot:
		data = &FullSnapshotData{}
	case EventIncrementalSnapshot:
		data = &MutationData{}
	case EventMeta:
		data = &MetaData{}
	default:
		e.Data = raw.Data
		return nil
	}
	if err := json.Unmarshal(raw.Data, data); err != nil {
		return fmt.Errorf("mutation: event type %d: %w", raw.Type, err)
	}
	e.Data = data
	return nil
}

// Batch is the unit shipped to the collector: the events flushed together
// by one recorder.
type Batch struct {
	ID        string  `json:"id"` // UUIDv7
	SessionID string  `json:"session_id"`
	Seq       uint64  `json:"seq"` // monotonically increasing per session (gap detection)
	Events    []Event `json:"events"`
	Timestamp int64   `json:"timestamp"` // epoch milliseconds at flush
}
