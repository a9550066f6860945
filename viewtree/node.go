// Package viewtree models one captured UI tree: typed node records, the
// immutable Snapshot that owns them, and the helpers the capture side uses
// to build snapshots with stable identities.
//
// Node is a closed sum type. The set of variants is fixed (Container, Label,
// Image, TextInput, Effect, OverlayText) and consumers dispatch with a type
// switch rather than through per-kind methods.
package viewtree

import (
	"fmt"
	"math"
	"strconv"
)

// Identity is the stable key of a UI element across captures. Values are
// non-negative; NoID (0) is reserved.
type Identity = int64

// NoID marks an absent parent or next sibling. The default allocator never
// hands it out.
const NoID Identity = 0

// Kind enumerates the node variants.
type Kind uint8

const (
	KindContainer Kind = iota + 1
	KindLabel
	KindImage
	KindTextInput
	KindEffect
	KindOverlayText
)

var kindNames = map[Kind]string{
	KindContainer:   "container",
	KindLabel:       "label",
	KindImage:       "image",
	KindTextInput:   "textinput",
	KindEffect:      "effect",
	KindOverlayText: "overlaytext",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("viewtree: unknown node kind %q", s)
}

// Rect is a frame in canvas points.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Size is a canvas size in points.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Color holds RGBA components in [0, 1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// Hex renders the color as "#rrggbbaa".
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x%02x", channel(c.R), channel(c.G), channel(c.B), channel(c.A))
}

func channel(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(v * 255))
}

// TextAlignment values are CSS text-align keywords.
type TextAlignment string

const (
	AlignNatural TextAlignment = ""
	AlignLeft    TextAlignment = "left"
	AlignCenter  TextAlignment = "center"
	AlignRight   TextAlignment = "right"
	AlignJustify TextAlignment = "justify"
)

// Font describes the text face of a text-bearing node.
type Font struct {
	Family string  `json:"family,omitempty"`
	Size   float64 `json:"size,omitempty"`
}

// Node is one captured UI element. Implemented only by the variants in this
// package.
type Node interface {
	// Common returns the fields shared by every variant.
	Common() *Base
	Kind() Kind
	node()
}

// Base carries the fields every variant has.
type Base struct {
	ID            Identity
	ParentID      Identity // NoID for the root
	NextSiblingID Identity // NoID for the last child; set by Link
	Frame         Rect

	BackgroundColor *Color
	BorderColor     *Color
	BorderWidth     float64
	CornerRadius    float64
	Alpha           float64

	Hidden bool
	Masked bool

	// KindName is the platform class name, used for the "{kind}-{id}" selector.
	KindName string

	Children []Node
}

// Common implements Node for every variant embedding Base.
func (b *Base) Common() *Base { return b }

// TextContent is embedded by the text-bearing variants. TextNodeID is the
// identity of the synthetic text child emitted on the wire.
type TextContent struct {
	TextNodeID Identity
	Text       string
	Font       Font
	Alignment  TextAlignment
	TextColor  *Color
}

// Container is a generic view with no content of its own.
type Container struct {
	Base
}

// Label is a static text view.
type Label struct {
	Base
	TextContent
}

// Image is an image view. The pixel payload never leaves the device; only
// its presence is recorded.
type Image struct {
	Base
	HasImage    bool
	ContentMode string
}

// TextInput is an editable text field.
type TextInput struct {
	Base
	TextContent
	Placeholder string
	Secure      bool
}

// Effect is a translucent (blurred) container.
type Effect struct {
	Base
	BlurRadius float64
}

// OverlayText is text drawn by a custom overlay rather than a label view.
type OverlayText struct {
	Base
	TextContent
}

func (*Container) Kind() Kind   { return KindContainer }
func (*Label) Kind() Kind       { return KindLabel }
func (*Image) Kind() Kind       { return KindImage }
func (*TextInput) Kind() Kind   { return KindTextInput }
func (*Effect) Kind() Kind      { return KindEffect }
func (*OverlayText) Kind() Kind { return KindOverlayText }

func (*Container) node()   {}
func (*Label) node()       {}
func (*Image) node()       {}
func (*TextInput) node()   {}
func (*Effect) node()      {}
func (*OverlayText) node() {}

// Text returns the text fields of a text-bearing node, or nil.
func Text(n Node) *TextContent {
	switch v := n.(type) {
	case *Label:
		return &v.TextContent
	case *TextInput:
		return &v.TextContent
	case *OverlayText:
		return &v.TextContent
	}
	return nil
}

// Selector returns the stable CSS-like selector "{kind}-{id}". The platform
// class name is used when known, otherwise the variant name.
func Selector(n Node) string {
	b := n.Common()
	name := b.KindName
	if name == "" {
		name = n.Kind().String()
	}
	return name + "-" + strconv.FormatInt(b.ID, 10)
}

// New returns an empty node of the given kind.
func New(k Kind) (Node, error) {
	switch k {
	case KindContainer:
		return &Container{}, nil
	case KindLabel:
		return &Label{}, nil
	case KindImage:
		return &Image{}, nil
	case KindTextInput:
		return &TextInput{}, nil
	case KindEffect:
		return &Effect{}, nil
	case KindOverlayText:
		return &OverlayText{}, nil
	}
	return nil, fmt.Errorf("viewtree: unknown node kind %d", k)
}
