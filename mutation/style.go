package mutation

import (
	"strconv"
	"strings"

	"github.com/hazyhaar/viewreplay/viewtree"
)

// attr is one serialised attribute. css marks properties that belong in the
// inline style string; the rest are element attributes.
type attr struct {
	name  string
	value string
	css   bool
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
func px(v float64) string  { return num(v) + "px" }

func colorValue(c *viewtree.Color) string {
	if c == nil {
		return ""
	}
	return c.Hex()
}

// attributes lists every attribute of n in a fixed order. Absent values are
// empty strings so two lists for the same kind always line up.
func attributes(n viewtree.Node) []attr {
	b := n.Common()
	out := []attr{
		{"position", "absolute", true},
		{"left", px(b.Frame.X), true},
		{"top", px(b.Frame.Y), true},
		{"width", px(b.Frame.Width), true},
		{"height", px(b.Frame.Height), true},
		{"background-color", colorValue(b.BackgroundColor), true},
		{"border-color", colorValue(b.BorderColor), true},
		{"border-width", optionalPx(b.BorderWidth), true},
		{"border-style", borderStyle(b.BorderWidth), true},
		{"border-radius", optionalPx(b.CornerRadius), true},
		{"opacity", num(b.Alpha), true},
		{"visibility", visibility(b.Hidden), true},
	}

	if tc := viewtree.Text(n); tc != nil {
		out = append(out,
			attr{"color", colorValue(tc.TextColor), true},
			attr{"font-family", tc.Font.Family, true},
			attr{"font-size", optionalPx(tc.Font.Size), true},
			attr{"text-align", string(tc.Alignment), true},
		)
	}

	switch v := n.(type) {
	case *viewtree.Effect:
		blur := ""
		if v.BlurRadius > 0 {
			blur = "blur(" + px(v.BlurRadius) + ")"
		}
		out = append(out, attr{"backdrop-filter", blur, true})
	case *viewtree.Image:
		has := ""
		if v.HasImage && !b.Masked {
			has = "true"
		}
		out = append(out, attr{"data-has-image", has, false})
	case *viewtree.TextInput:
		ph := v.Placeholder
		if b.Masked {
			ph = maskText(ph)
		}
		out = append(out, attr{"placeholder", ph, false})
	}

	masked := ""
	if b.Masked {
		masked = "true"
	}
	out = append(out, attr{"data-masked", masked, false})
	return out
}

func optionalPx(v float64) string {
	if v <= 0 {
		return ""
	}
	return px(v)
}

func borderStyle(width float64) string {
	if width <= 0 {
		return ""
	}
	return "solid"
}

func visibility(hidden bool) string {
	if hidden {
		return "hidden"
	}
	return ""
}

// styleString joins the non-empty CSS properties as "name: value;" pairs.
func styleString(attrs []attr) string {
	var sb strings.Builder
	for _, a := range attrs {
		if !a.css || a.value == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(a.name)
		sb.WriteString(": ")
		sb.WriteString(a.value)
		sb.WriteByte(';')
	}
	return sb.String()
}

// elementAttributes builds the attribute map of a serialised element.
func elementAttributes(n viewtree.Node, attrs []attr) map[string]string {
	m := map[string]string{
		"class": viewtree.Selector(n),
		"style": styleString(attrs),
	}
	for _, a := range attrs {
		if !a.css && a.value != "" {
			m[a.name] = a.value
		}
	}
	return m
}

// changedAttributes returns the attributes whose value differs between two
// same-kind nodes, or nil.
func changedAttributes(old, new []attr) map[string]string {
	var changed map[string]string
	for i := range new {
		if i < len(old) && old[i].name == new[i].name && old[i].value == new[i].value {
			continue
		}
		if changed == nil {
			changed = make(map[string]string)
		}
		changed[new[i].name] = new[i].value
	}
	return changed
}

// maskText replaces every non-space rune with 'x'.
func maskText(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return r
		}
		return 'x'
	}, s)
}

func displayText(n viewtree.Node, tc *viewtree.TextContent) string {
	if n.Common().Masked {
		return maskText(tc.Text)
	}
	if in, ok := n.(*viewtree.TextInput); ok && in.Secure {
		return maskText(tc.Text)
	}
	return tc.Text
}
