package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"armguard/internal/pipeline"
)

const maxFrameBuffer = 8 * 1024 * 1024

// FFmpegSource decodes a camera stream into JPEG frames with an ffmpeg child process
type FFmpegSource struct {
	cam    pipeline.CameraInfo
	cfg    Config
	logger zerolog.Logger

	cmd    *exec.Cmd
	stdout io.ReadCloser
	done   chan struct{}

	frameBuffer []byte
	chunk       []byte
	seq         uint64

	stderrMu  sync.Mutex
	lastError string
}

// NewFFmpegSource creates a source for cam; nothing runs until Open
func NewFFmpegSource(cam pipeline.CameraInfo, cfg Config, logger zerolog.Logger) *FFmpegSource {
	return &FFmpegSource{
		cam:    cam,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "capture").Str("camera_id", cam.ID).Logger(),
	}
}

// Args returns the ffmpeg arguments for the camera device
func (s *FFmpegSource) Args() []string {
	device := s.cam.StreamURL
	fps := strconv.Itoa(s.cfg.FPS)
	size := fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height)

	var args []string
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", device}
	case isNetworkSource(device):
		args = []string{"-i", device}
	default:
		// V4L2 device (USB camera)
		args = []string{"-f", "v4l2", "-video_size", size, "-framerate", fps, "-i", device}
	}

	return append(args,
		"-loglevel", "error",
		"-an",
		"-s", size,
		"-r", fps,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

// Open starts ffmpeg. The process is killed when ctx is cancelled.
func (s *FFmpegSource) Open(ctx context.Context) error {
	if s.cmd != nil {
		return errors.New("source already open")
	}

	cmd := exec.CommandContext(ctx, s.cfg.FFmpegPath, s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.done = make(chan struct{})
	s.frameBuffer = make([]byte, 0, 1024*1024)
	s.chunk = make([]byte, 32*1024)

	// keep the last stderr line for error reports
	go func() {
		defer close(s.done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			s.stderrMu.Lock()
			s.lastError = line
			s.stderrMu.Unlock()
		}
	}()

	s.logger.Debug().Str("device", redact(s.cam.StreamURL)).Int("fps", s.cfg.FPS).Msg("ffmpeg started")
	return nil
}

// Read returns the next complete JPEG frame
func (s *FFmpegSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	if s.stdout == nil {
		return nil, errors.New("source not open")
	}

	for {
		if frame := extractJPEGFrame(&s.frameBuffer); frame != nil {
			s.seq++
			return &pipeline.FrameData{
				CameraID:  s.cam.ID,
				Data:      frame,
				Seq:       s.seq,
				Timestamp: time.Now(),
				Width:     s.cfg.Width,
				Height:    s.cfg.Height,
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := s.stdout.Read(s.chunk)
		if n > 0 {
			s.frameBuffer = append(s.frameBuffer, s.chunk[:n]...)
			if len(s.frameBuffer) > maxFrameBuffer {
				s.frameBuffer = s.frameBuffer[:0]
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("stream ended: %s", s.stderrTail())
			}
			return nil, fmt.Errorf("failed to read frame: %w", err)
		}
	}
}

// Close stops ffmpeg and waits for it to exit
func (s *FFmpegSource) Close() error {
	if s.cmd == nil {
		return nil
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	_ = s.cmd.Wait()

	s.cmd = nil
	s.stdout = nil
	s.logger.Debug().Uint64("frames", s.seq).Msg("ffmpeg stopped")
	return nil
}

func (s *FFmpegSource) stderrTail() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	if s.lastError == "" {
		return "no output from ffmpeg"
	}
	return s.lastError
}

var _ pipeline.FrameSource = (*FFmpegSource)(nil)
