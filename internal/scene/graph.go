package scene

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindText          Kind = "text"
	KindImage         Kind = "image"
	KindShape         Kind = "shape"
	KindLine          Kind = "line"
	KindQRPlaceholder Kind = "qr_placeholder"
)

type Style struct {
	FontFamily  string  `json:"font_family,omitempty"`
	FontSize    float64 `json:"font_size,omitempty"`
	Color       string  `json:"color,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"stroke_width,omitempty"`
	Align       string  `json:"align,omitempty"`
}

// Element is one visual node of a template. An element with a non-empty
// DynamicKey is a placeholder: its Text is overridden per data row. The
// single element flagged IsVerificationURL gets the verification link.
type Element struct {
	ID                string  `json:"id"`
	Kind              Kind    `json:"kind"`
	X                 float64 `json:"x"`
	Y                 float64 `json:"y"`
	Width             float64 `json:"width"`
	Height            float64 `json:"height"`
	Rotation          float64 `json:"rotation,omitempty"`
	ScaleX            float64 `json:"scale_x,omitempty"`
	ScaleY            float64 `json:"scale_y,omitempty"`
	Text              string  `json:"text,omitempty"`
	ImageData         []byte  `json:"image_data,omitempty"`
	Style             Style   `json:"style"`
	DynamicKey        string  `json:"dynamic_key,omitempty"`
	IsVerificationURL bool    `json:"is_verification_url,omitempty"`
}

type Graph struct {
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	Background string    `json:"background,omitempty"`
	Elements   []Element `json:"elements"`
}

func Parse(raw []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse scene graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Graph) MarshalBytes() ([]byte, error) {
	return json.Marshal(g)
}

// Validate enforces the generation preconditions: a usable page size and
// exactly one verification-URL element. The editor is not allowed to remove
// that element, so its absence here is a fatal template error.
func (g *Graph) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("scene graph has no usable page size (%gx%g)", g.Width, g.Height)
	}
	verifyCount := 0
	for i := range g.Elements {
		el := &g.Elements[i]
		if el.Kind == "" {
			return fmt.Errorf("element %q has no kind", el.ID)
		}
		if el.IsVerificationURL {
			verifyCount++
		}
	}
	switch verifyCount {
	case 0:
		return fmt.Errorf("scene graph has no verification-url element")
	case 1:
		return nil
	default:
		return fmt.Errorf("scene graph has %d verification-url elements, want exactly 1", verifyCount)
	}
}

// Clone returns a deep copy. ImageData is the only reference-typed field an
// element carries, so the copy duplicates that slice explicitly.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Width:      g.Width,
		Height:     g.Height,
		Background: g.Background,
		Elements:   make([]Element, len(g.Elements)),
	}
	copy(out.Elements, g.Elements)
	for i := range out.Elements {
		if src := g.Elements[i].ImageData; src != nil {
			dup := make([]byte, len(src))
			copy(dup, src)
			out.Elements[i].ImageData = dup
		}
	}
	return out
}

// Placeholders returns the dynamic keys referenced by the graph, in order.
func (g *Graph) Placeholders() []string {
	var keys []string
	for i := range g.Elements {
		if k := g.Elements[i].DynamicKey; k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
