package scene

// BindRow substitutes one data row into a deep copy of g. Placeholder
// elements take the row value of their dynamic key; a missing or blank value
// binds an empty string, never the literal key. The verification-url
// element's text is rewritten to verifyURL. g itself is never mutated, so a
// template stays reusable across rows and across editor preview.
func BindRow(g *Graph, row map[string]string, verifyURL string) *Graph {
	bound := g.Clone()
	for i := range bound.Elements {
		el := &bound.Elements[i]
		if el.DynamicKey != "" {
			el.Text = row[el.DynamicKey]
		}
		if el.IsVerificationURL {
			el.Text = verifyURL
		}
	}
	return bound
}

// SetQRImage places the QR artifact into every qr_placeholder element of a
// bound graph. Call it on the copy BindRow returns, not on the template.
func (g *Graph) SetQRImage(png []byte) {
	for i := range g.Elements {
		if g.Elements[i].Kind == KindQRPlaceholder {
			dup := make([]byte, len(png))
			copy(dup, png)
			g.Elements[i].ImageData = dup
		}
	}
}
