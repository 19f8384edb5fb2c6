package fakes

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"armguard/internal/pipeline"
)

// Behavior scripts a fake frame source
type Behavior struct {
	OpenErr  error         // returned by every Open
	Frames   int           // frames produced per Open; <= 0 means unlimited
	Interval time.Duration // delay between frames
	ReadErr  error         // returned once Frames are exhausted (ErrStreamEnded when nil)
}

// Sources is a pipeline.FrameSourceFactory backed by per-camera behaviors
type Sources struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	fallback  Behavior
	opens     map[string]int
	active    map[string]int
	frame     []byte
}

// NewSources creates a factory using fallback for unknown cameras
func NewSources(fallback Behavior) *Sources {
	return &Sources{
		behaviors: make(map[string]Behavior),
		fallback:  fallback,
		opens:     make(map[string]int),
		active:    make(map[string]int),
		frame:     SolidJPEG(64, 48, color.RGBA{R: 40, G: 40, B: 40, A: 255}),
	}
}

// Set scripts the behavior for one camera
func (s *Sources) Set(cameraID string, b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[cameraID] = b
}

// Opens returns how many times a source for cameraID was opened
func (s *Sources) Opens(cameraID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[cameraID]
}

// Active returns how many sources for cameraID are open and not closed
func (s *Sources) Active(cameraID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[cameraID]
}

// Factory returns the pipeline.FrameSourceFactory
func (s *Sources) Factory() pipeline.FrameSourceFactory {
	return func(cam pipeline.CameraInfo) pipeline.FrameSource {
		return &Source{parent: s, cameraID: cam.ID}
	}
}

// Source is a scripted pipeline.FrameSource
type Source struct {
	parent   *Sources
	cameraID string
	behavior Behavior
	produced int
	seq      uint64
	open     bool
}

func (f *Source) Open(_ context.Context) error {
	s := f.parent
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.behaviors[f.cameraID]
	if !ok {
		b = s.fallback
	}
	s.opens[f.cameraID]++
	if b.OpenErr != nil {
		return b.OpenErr
	}
	f.behavior = b
	f.produced = 0
	f.open = true
	s.active[f.cameraID]++
	return nil
}

func (f *Source) Read(ctx context.Context) (*pipeline.FrameData, error) {
	if !f.open {
		return nil, errors.New("source not open")
	}
	if f.behavior.Frames > 0 && f.produced >= f.behavior.Frames {
		if f.behavior.ReadErr != nil {
			return nil, f.behavior.ReadErr
		}
		return nil, ErrStreamEnded
	}
	if f.behavior.Interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.behavior.Interval):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.produced++
	f.seq++
	return &pipeline.FrameData{
		CameraID:  f.cameraID,
		Data:      f.parent.frame,
		Seq:       f.seq,
		Timestamp: time.Now(),
		Width:     64,
		Height:    48,
	}, nil
}

func (f *Source) Close() error {
	if !f.open {
		return nil
	}
	f.open = false
	s := f.parent
	s.mu.Lock()
	s.active[f.cameraID]--
	s.mu.Unlock()
	return nil
}

// SolidJPEG encodes a single-color image
func SolidJPEG(width, height int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})
	return buf.Bytes()
}

var _ pipeline.FrameSource = (*Source)(nil)
