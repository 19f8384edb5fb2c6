// Package stream serves the most recent frames of running cameras as MJPEG
// and single JPEG snapshots.
package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/orchestrator"
	"armguard/internal/pipeline"
)

const clientBuffer = 5

type feed struct {
	mu      sync.RWMutex
	frame   *pipeline.FrameData
	clients map[chan []byte]struct{}
}

// LiveView keeps the latest frame per camera and fans frames out to MJPEG
// clients. Slow clients skip frames.
type LiveView struct {
	mu     sync.RWMutex
	feeds  map[string]*feed
	maxAge time.Duration
	logger zerolog.Logger
}

// NewLiveView creates a live view. Frames older than maxAge are not served
// as snapshots; zero disables the check.
func NewLiveView(maxAge time.Duration, logger zerolog.Logger) *LiveView {
	return &LiveView{
		feeds:  make(map[string]*feed),
		maxAge: maxAge,
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

func (v *LiveView) feed(cameraID string, create bool) *feed {
	v.mu.RLock()
	f := v.feeds[cameraID]
	v.mu.RUnlock()
	if f != nil || !create {
		return f
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if f = v.feeds[cameraID]; f == nil {
		f = &feed{clients: make(map[chan []byte]struct{})}
		v.feeds[cameraID] = f
	}
	return f
}

// OnFrame implements orchestrator.FrameSink
func (v *LiveView) OnFrame(frame *pipeline.FrameData) {
	f := v.feed(frame.CameraID, true)

	f.mu.Lock()
	f.frame = frame
	for ch := range f.clients {
		select {
		case ch <- frame.Data:
		default:
		}
	}
	f.mu.Unlock()
}

// Latest returns the most recent frame of a camera
func (v *LiveView) Latest(cameraID string) (*pipeline.FrameData, bool) {
	f := v.feed(cameraID, false)
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	frame := f.frame
	f.mu.RUnlock()
	if frame == nil {
		return nil, false
	}
	if v.maxAge > 0 && time.Since(frame.Timestamp) > v.maxAge {
		return nil, false
	}
	return frame, true
}

// Clients returns the number of MJPEG clients watching a camera
func (v *LiveView) Clients(cameraID string) int {
	f := v.feed(cameraID, false)
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (v *LiveView) subscribe(cameraID string) (chan []byte, func()) {
	f := v.feed(cameraID, true)
	ch := make(chan []byte, clientBuffer)
	f.mu.Lock()
	f.clients[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.clients, ch)
		f.mu.Unlock()
	}
}

// ServeMJPEG streams a camera as multipart/x-mixed-replace. The camera id is
// taken from the {id} path value.
func (v *LiveView) ServeMJPEG(w http.ResponseWriter, r *http.Request) {
	cameraID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := v.subscribe(cameraID)
	defer unsubscribe()

	v.logger.Debug().Str("camera_id", cameraID).Msg("MJPEG client connected")

	if frame, ok := v.Latest(cameraID); ok {
		if err := writePart(w, frame.Data); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			v.logger.Debug().Str("camera_id", cameraID).Msg("MJPEG client disconnected")
			return
		case data := <-ch:
			if err := writePart(w, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// ServeSnapshot writes the latest frame of the {id} camera as a JPEG
func (v *LiveView) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, ok := v.Latest(r.PathValue("id"))
	if !ok {
		http.Error(w, "no frame available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame.Data)))
	w.Header().Set("X-Frame-Seq", fmt.Sprintf("%d", frame.Seq))
	w.Write(frame.Data)
}

var _ orchestrator.FrameSink = (*LiveView)(nil)
