package viewtree

import (
	"encoding/json"
	"fmt"
	"time"
)

// nodeJSON is the fixture encoding of a Node. Parent and next-sibling ids
// are derived, so they are not stored.
type nodeJSON struct {
	Kind            string   `json:"kind"`
	ID              Identity `json:"id"`
	KindName        string   `json:"kindName,omitempty"`
	Frame           Rect     `json:"frame"`
	BackgroundColor *Color   `json:"backgroundColor,omitempty"`
	BorderColor     *Color   `json:"borderColor,omitempty"`
	BorderWidth     float64  `json:"borderWidth,omitempty"`
	CornerRadius    float64  `json:"cornerRadius,omitempty"`
	Alpha           *float64 `json:"alpha,omitempty"`
	Hidden          bool     `json:"hidden,omitempty"`
	Masked          bool     `json:"masked,omitempty"`

	TextNodeID Identity      `json:"textNodeId,omitempty"`
	Text       string        `json:"text,omitempty"`
	Font       *Font         `json:"font,omitempty"`
	Alignment  TextAlignment `json:"alignment,omitempty"`
	TextColor  *Color        `json:"textColor,omitempty"`

	Placeholder string  `json:"placeholder,omitempty"`
	Secure      bool    `json:"secure,omitempty"`
	HasImage    bool    `json:"hasImage,omitempty"`
	ContentMode string  `json:"contentMode,omitempty"`
	BlurRadius  float64 `json:"blurRadius,omitempty"`

	Children []nodeJSON `json:"children,omitempty"`
}

type snapshotJSON struct {
	CapturedAt        time.Time `json:"capturedAt"`
	Canvas            Size      `json:"canvas"`
	RootControllerID  string    `json:"rootControllerId,omitempty"`
	DeclarativeRootID Identity  `json:"declarativeRootId,omitempty"`
	Root              *nodeJSON `json:"root,omitempty"`
}

// MarshalSnapshot serialises a Snapshot to its JSON fixture form.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	sj := snapshotJSON{
		CapturedAt:        s.CapturedAt,
		Canvas:            s.CanvasSize,
		RootControllerID:  s.RootControllerID,
		DeclarativeRootID: s.DeclarativeRootID,
	}
	if s.Root != nil {
		root := encodeNode(s.Root)
		sj.Root = &root
	}
	return json.Marshal(sj)
}

// UnmarshalSnapshot parses a JSON fixture and links the resulting tree.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var sj snapshotJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("viewtree: unmarshal snapshot: %w", err)
	}
	var root Node
	if sj.Root != nil {
		var err error
		if root, err = decodeNode(sj.Root); err != nil {
			return nil, err
		}
	}
	return NewSnapshot(sj.CapturedAt, root, sj.Canvas,
		WithRootController(sj.RootControllerID),
		WithDeclarativeRoot(sj.DeclarativeRootID),
	), nil
}

func encodeNode(n Node) nodeJSON {
	b := n.Common()
	alpha := b.Alpha
	nj := nodeJSON{
		Kind:            n.Kind().String(),
		ID:              b.ID,
		KindName:        b.KindName,
		Frame:           b.Frame,
		BackgroundColor: b.BackgroundColor,
		BorderColor:     b.BorderColor,
		BorderWidth:     b.BorderWidth,
		CornerRadius:    b.CornerRadius,
		Alpha:           &alpha,
		Hidden:          b.Hidden,
		Masked:          b.Masked,
	}
	if tc := Text(n); tc != nil {
		font := tc.Font
		nj.TextNodeID = tc.TextNodeID
		nj.Text = tc.Text
		nj.Font = &font
		nj.Alignment = tc.Alignment
		nj.TextColor = tc.TextColor
	}
	switch v := n.(type) {
	case *TextInput:
		nj.Placeholder = v.Placeholder
		nj.Secure = v.Secure
	case *Image:
		nj.HasImage = v.HasImage
		nj.ContentMode = v.ContentMode
	case *Effect:
		nj.BlurRadius = v.BlurRadius
	}
	for _, c := range b.Children {
		nj.Children = append(nj.Children, encodeNode(c))
	}
	return nj
}

func decodeNode(nj *nodeJSON) (Node, error) {
	kind, err := ParseKind(nj.Kind)
	if err != nil {
		return nil, err
	}
	n, err := New(kind)
	if err != nil {
		return nil, err
	}

	b := n.Common()
	b.ID = nj.ID
	b.KindName = nj.KindName
	b.Frame = nj.Frame
	b.BackgroundColor = nj.BackgroundColor
	b.BorderColor = nj.BorderColor
	b.BorderWidth = nj.BorderWidth
	b.CornerRadius = nj.CornerRadius
	b.Alpha = 1
	if nj.Alpha != nil {
		b.Alpha = *nj.Alpha
	}
	b.Hidden = nj.Hidden
	b.Masked = nj.Masked

	if tc := Text(n); tc != nil {
		tc.TextNodeID = nj.TextNodeID
		tc.Text = nj.Text
		if nj.Font != nil {
			tc.Font = *nj.Font
		}
		tc.Alignment = nj.Alignment
		tc.TextColor = nj.TextColor
	}
	switch v := n.(type) {
	case *TextInput:
		v.Placeholder = nj.Placeholder
		v.Secure = nj.Secure
	case *Image:
		v.HasImage = nj.HasImage
		v.ContentMode = nj.ContentMode
	case *Effect:
		v.BlurRadius = nj.BlurRadius
	}

	for i := range nj.Children {
		child, err := decodeNode(&nj.Children[i])
		if err != nil {
			return nil, fmt.Errorf("viewtree: node %d child %d: %w", nj.ID, i, err)
		}
		b.Children = append(b.Children, child)
	}
	return n, nil
}
