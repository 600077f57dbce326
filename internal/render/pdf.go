package render

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// WrapPNG packages one rendered raster into a single-page PDF. Passing a nil
// import config keeps pdfcpu's defaults: image placed full-size at the page
// origin.
func WrapPNG(png []byte) ([]byte, error) {
	if len(png) == 0 {
		return nil, fmt.Errorf("wrap pdf: empty image")
	}
	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, []io.Reader{bytes.NewReader(png)}, nil, nil); err != nil {
		return nil, fmt.Errorf("import image into pdf: %w", err)
	}
	return buf.Bytes(), nil
}
