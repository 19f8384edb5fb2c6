// Package evidence stores the frames that triggered automatic reports.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"armguard/internal/pipeline"
)

// ObjectKey names a frame as <prefix>/cameras/<id>/detections/<date>/<time>_<id8>.jpg
func ObjectKey(prefix string, frame *pipeline.FrameData) string {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	name := fmt.Sprintf("%s_%s.jpg", ts.Format("150405.000"), uuid.NewString()[:8])
	return path.Join(prefix, "cameras", frame.CameraID, "detections", ts.Format("2006/01/02"), name)
}

// FileStore writes evidence below a local directory
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve evidence dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

// Put implements pipeline.EvidenceStore. The reference is a file:// URL.
func (s *FileStore) Put(_ context.Context, frame *pipeline.FrameData) (string, error) {
	p := filepath.Join(s.dir, filepath.FromSlash(ObjectKey("", frame)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create evidence dir: %w", err)
	}
	if err := os.WriteFile(p, frame.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	return "file://" + filepath.ToSlash(p), nil
}

// Thumbnail scales a JPEG down to at most maxWidth pixels wide. Frames that
// are already small enough are returned unchanged.
func Thumbnail(data []byte, maxWidth int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return data, nil
	}

	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

var _ pipeline.EvidenceStore = (*FileStore)(nil)
