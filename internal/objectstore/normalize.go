package objectstore

import (
	"bytes"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// DefaultMaxEdge caps the longest side sent to OCR and vision.
const DefaultMaxEdge = 2048

// Normalize applies EXIF orientation, shrinks the image so neither side exceeds
// maxEdge and re-encodes it. PNG stays PNG; everything else becomes JPEG.
func Normalize(data []byte, maxEdge int) ([]byte, imaging.Format, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, 0, fmt.Errorf("decode image: empty bounds")
	}
	if maxEdge > 0 && (b.Dx() > maxEdge || b.Dy() > maxEdge) {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	format := imaging.JPEG
	if isPNG(data) {
		format = imaging.PNG
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, 0, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), format, nil
}

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n"))
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}
