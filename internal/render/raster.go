package render

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"os"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/certforge/certforge-backend/internal/logger"
	"github.com/certforge/certforge-backend/internal/scene"
)

const defaultFontSize = 24

// Raster renders a scene graph to a PNG via a reused gg context.
type Raster struct {
	log    *logger.Logger
	parsed *truetype.Font
	faces  map[float64]font.Face

	dc   *gg.Context
	w, h int
}

func NewRaster(log *logger.Logger, fontPath string) (*Raster, error) {
	rasterLog := log.With("component", "RasterSurface")

	if strings.TrimSpace(fontPath) == "" {
		return nil, fmt.Errorf("font path is empty")
	}
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("read font file: %w", err)
	}
	parsed, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parse TTF: %w", err)
	}

	return &Raster{
		log:    rasterLog,
		parsed: parsed,
		faces:  make(map[float64]font.Face),
	}, nil
}

func (r *Raster) Reset(width, height int) {
	if r.dc == nil || r.w != width || r.h != height {
		r.dc = gg.NewContext(width, height)
		r.w, r.h = width, height
		return
	}
	// Same dimensions: just wipe the previous row's pixels.
	r.dc.SetColor(color.White)
	r.dc.Clear()
}

func (r *Raster) Render(ctx context.Context, g *scene.Graph) ([]byte, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return nil, fmt.Errorf("render: unusable page size %gx%g", g.Width, g.Height)
	}
	r.Reset(int(g.Width), int(g.Height))
	dc := r.dc

	dc.SetColor(parseColor(g.Background, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	dc.Clear()

	for i := range g.Elements {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("render interrupted at element %d: %w", i, err)
		}
		if err := r.drawElement(dc, &g.Elements[i]); err != nil {
			return nil, fmt.Errorf("render element %q: %w", g.Elements[i].ID, err)
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Raster) drawElement(dc *gg.Context, el *scene.Element) error {
	dc.Push()
	defer dc.Pop()

	cx := el.X + el.Width/2
	cy := el.Y + el.Height/2
	if el.Rotation != 0 {
		dc.RotateAbout(gg.Radians(el.Rotation), cx, cy)
	}
	if el.ScaleX != 0 && el.ScaleY != 0 && (el.ScaleX != 1 || el.ScaleY != 1) {
		dc.ScaleAbout(el.ScaleX, el.ScaleY, cx, cy)
	}

	switch el.Kind {
	case scene.KindText:
		return r.drawText(dc, el)
	case scene.KindShape:
		return drawShape(dc, el)
	case scene.KindLine:
		return drawLine(dc, el)
	case scene.KindImage, scene.KindQRPlaceholder:
		return drawImage(dc, el)
	default:
		return fmt.Errorf("unsupported element kind %q", el.Kind)
	}
}

func (r *Raster) drawText(dc *gg.Context, el *scene.Element) error {
	dc.SetFontFace(r.face(el.Style.FontSize))
	dc.SetColor(parseColor(el.Style.Color, color.NRGBA{A: 255}))

	ax := 0.5
	switch el.Style.Align {
	case "left":
		ax = 0
	case "right":
		ax = 1
	}
	dc.DrawStringAnchored(el.Text, el.X, el.Y, ax, 0.5)
	return nil
}

func drawShape(dc *gg.Context, el *scene.Element) error {
	dc.DrawRectangle(el.X, el.Y, el.Width, el.Height)
	if el.Style.Fill != "" {
		dc.SetColor(parseColor(el.Style.Fill, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
		dc.FillPreserve()
	}
	if el.Style.Stroke != "" {
		dc.SetColor(parseColor(el.Style.Stroke, color.NRGBA{A: 255}))
		dc.SetLineWidth(strokeWidth(el))
		dc.Stroke()
	} else {
		dc.ClearPath()
	}
	return nil
}

func drawLine(dc *gg.Context, el *scene.Element) error {
	dc.SetColor(parseColor(el.Style.Stroke, color.NRGBA{A: 255}))
	dc.SetLineWidth(strokeWidth(el))
	dc.DrawLine(el.X, el.Y, el.X+el.Width, el.Y+el.Height)
	dc.Stroke()
	return nil
}

func drawImage(dc *gg.Context, el *scene.Element) error {
	if len(el.ImageData) == 0 {
		// Unbound placeholder; nothing to draw.
		return nil
	}
	img, _, err := image.Decode(bytes.NewReader(el.ImageData))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	w, h := int(el.Width), int(el.Height)
	if w <= 0 || h <= 0 {
		b := img.Bounds()
		w, h = b.Dx(), b.Dy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	dc.DrawImage(dst, int(el.X), int(el.Y))
	return nil
}

func (r *Raster) face(size float64) font.Face {
	if size <= 0 {
		size = defaultFontSize
	}
	if f, ok := r.faces[size]; ok {
		return f
	}
	f := truetype.NewFace(r.parsed, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	r.faces[size] = f
	return f
}

func strokeWidth(el *scene.Element) float64 {
	if el.Style.StrokeWidth > 0 {
		return el.Style.StrokeWidth
	}
	return 1
}

func parseColor(s string, fallback color.NRGBA) color.NRGBA {
	s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	if len(s) != 6 {
		return fallback
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fallback
	}
	return color.NRGBA{R: raw[0], G: raw[1], B: raw[2], A: 255}
}
