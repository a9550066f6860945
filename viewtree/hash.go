package viewtree

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ContentHash digests a node's own fields: every common and kind-specific
// field except Children and NextSiblingID. Two nodes with the same identity
// and kind are unchanged for replay purposes iff their hashes are equal.
func ContentHash(n Node) uint64 {
	h := hasher{d: xxhash.New()}
	b := n.Common()

	h.byte(byte(n.Kind()))
	h.int(b.ID)
	h.int(b.ParentID)
	h.float(b.Frame.X)
	h.float(b.Frame.Y)
	h.float(b.Frame.Width)
	h.float(b.Frame.Height)
	h.color(b.BackgroundColor)
	h.color(b.BorderColor)
	h.float(b.BorderWidth)
	h.float(b.CornerRadius)
	h.float(b.Alpha)
	h.bool(b.Hidden)
	h.bool(b.Masked)
	h.string(b.KindName)

	switch v := n.(type) {
	case *Label:
		h.text(&v.TextContent)
	case *OverlayText:
		h.text(&v.TextContent)
	case *TextInput:
		h.text(&v.TextContent)
		h.string(v.Placeholder)
		h.bool(v.Secure)
	case *Image:
		h.bool(v.HasImage)
		h.string(v.ContentMode)
	case *Effect:
		h.float(v.BlurRadius)
	}
	return h.d.Sum64()
}

type hasher struct {
	d   *xxhash.Digest
	buf [8]byte
}

func (h *hasher) byte(v byte) {
	h.buf[0] = v
	h.d.Write(h.buf[:1])
}

func (h *hasher) int(v int64) {
	binary.LittleEndian.PutUint64(h.buf[:], uint64(v))
	h.d.Write(h.buf[:])
}

func (h *hasher) float(v float64) {
	binary.LittleEndian.PutUint64(h.buf[:], math.Float64bits(v))
	h.d.Write(h.buf[:])
}

func (h *hasher) bool(v bool) {
	if v {
		h.byte(1)
	} else {
		h.byte(0)
	}
}

// string is length-prefixed so adjacent fields cannot alias.
func (h *hasher) string(s string) {
	h.int(int64(len(s)))
	h.d.WriteString(s)
}

func (h *hasher) color(c *Color) {
	if c == nil {
		h.byte(0)
		return
	}
	h.byte(1)
	h.float(c.R)
	h.float(c.G)
	h.float(c.B)
	h.float(c.A)
}

func (h *hasher) text(t *TextContent) {
	h.int(t.TextNodeID)
	h.string(t.Text)
	h.string(t.Font.Family)
	h.float(t.Font.Size)
	h.string(string(t.Alignment))
	h.color(t.TextColor)
}
