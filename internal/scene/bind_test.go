package scene

import (
	"encoding/json"
	"reflect"
	"testing"
)

func sampleGraph() *Graph {
	return &Graph{
		Width:  800,
		Height: 600,
		Elements: []Element{
			{ID: "bg", Kind: KindShape, Width: 800, Height: 600, Style: Style{Fill: "#FFFFFF"}},
			{ID: "name", Kind: KindText, X: 400, Y: 300, Text: "{{name}}", DynamicKey: "name", Style: Style{FontSize: 48}},
			{ID: "course", Kind: KindText, X: 400, Y: 380, Text: "{{course}}", DynamicKey: "course"},
			{ID: "verify", Kind: KindText, X: 400, Y: 560, Text: "", IsVerificationURL: true},
			{ID: "qr", Kind: KindQRPlaceholder, X: 700, Y: 500, Width: 80, Height: 80},
		},
	}
}

func TestBindRowSubstitutesPlaceholders(t *testing.T) {
	g := sampleGraph()
	row := map[string]string{"name": "Ada Lovelace", "course": "Analytical Engines"}

	bound := BindRow(g, row, "https://certs.example.com/verify/abc")

	if got := bound.Elements[1].Text; got != "Ada Lovelace" {
		t.Fatalf("name element text = %q, want %q", got, "Ada Lovelace")
	}
	if got := bound.Elements[2].Text; got != "Analytical Engines" {
		t.Fatalf("course element text = %q, want %q", got, "Analytical Engines")
	}
	if got := bound.Elements[3].Text; got != "https://certs.example.com/verify/abc" {
		t.Fatalf("verification element text = %q", got)
	}
}

func TestBindRowMissingValueRendersEmpty(t *testing.T) {
	g := sampleGraph()

	bound := BindRow(g, map[string]string{"name": "Ada"}, "https://x/verify/1")

	// A missing column binds "", not the literal key token.
	if got := bound.Elements[2].Text; got != "" {
		t.Fatalf("missing-key element text = %q, want empty", got)
	}
}

func TestBindRowDoesNotMutateInput(t *testing.T) {
	g := sampleGraph()
	before, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}

	_ = BindRow(g, map[string]string{"name": "Ada"}, "https://x/verify/1")
	_ = BindRow(g, map[string]string{"name": "Grace"}, "https://x/verify/2")

	after, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("template graph mutated by BindRow:\nbefore: %s\nafter:  %s", before, after)
	}
}

func TestBindRowIdempotent(t *testing.T) {
	g := sampleGraph()
	row := map[string]string{"name": "Ada", "course": "Math"}

	a := BindRow(g, row, "https://x/verify/1")
	b := BindRow(g, row, "https://x/verify/1")

	if !reflect.DeepEqual(a, b) {
		t.Fatal("two identical BindRow calls produced different graphs")
	}
}

func TestSetQRImageOnlyTouchesPlaceholders(t *testing.T) {
	g := sampleGraph()
	bound := BindRow(g, nil, "https://x/verify/1")
	png := []byte{0x89, 'P', 'N', 'G'}

	bound.SetQRImage(png)

	for i := range bound.Elements {
		el := bound.Elements[i]
		if el.Kind == KindQRPlaceholder {
			if string(el.ImageData) != string(png) {
				t.Fatalf("qr element %q did not receive image data", el.ID)
			}
		} else if el.ImageData != nil {
			t.Fatalf("non-qr element %q received image data", el.ID)
		}
	}
	if g.Elements[4].ImageData != nil {
		t.Fatal("SetQRImage leaked into the template graph")
	}
}
