package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"

	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

// decodeDataURL decodes a base64 image, with or without a data: URL prefix.
func decodeDataURL(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty image data")
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("data url has no payload")
		}
		if !strings.HasSuffix(s[:comma], ";base64") {
			return nil, fmt.Errorf("data url %q is not base64", s[:comma])
		}
		s = s[comma+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// drawSlice places slice i on the canvas at (0, i*vh). The slice is scaled to
// FullWidth x ViewportHeight when its size differs, and the drawn rows are
// clipped to the page height. It returns the canvas rectangle written.
func drawSlice(canvas *image.RGBA, src image.Image, g protocol.PageGeometry, i int) image.Rectangle {
	rows := g.SliceHeight(i)
	if rows <= 0 {
		return image.Rectangle{}
	}
	y := i * g.ViewportHeight
	dst := image.Rect(0, y, g.FullWidth, y+rows)

	if sz := src.Bounds().Size(); sz.X != g.FullWidth || sz.Y != g.ViewportHeight {
		scaled := image.NewRGBA(image.Rect(0, 0, g.FullWidth, g.ViewportHeight))
		xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), xdraw.Src, nil)
		src = scaled
	}
	xdraw.Draw(canvas, dst, src, src.Bounds().Min, xdraw.Src)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeDataURL renders img as a base64 PNG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	data, err := encodePNG(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}
