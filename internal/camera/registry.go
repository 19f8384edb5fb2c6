// Package camera provides the YAML file camera registry and the reachability
// probe shared by both registry backends.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"armguard/internal/pipeline"
)

// ErrNotFound is returned by GetCamera for unknown ids
var ErrNotFound = errors.New("camera not found")

// fileCamera is one entry of the registry file. Active defaults to true.
type fileCamera struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Location  string `yaml:"location"`
	StreamURL string `yaml:"stream_url"`
	OwnerID   string `yaml:"owner_id"`
	Active    *bool  `yaml:"active"`
}

type registryFile struct {
	Cameras []fileCamera `yaml:"cameras"`
}

// FileRegistry serves cameras from a YAML file. The file is re-read when its
// modification time changes, so edits are picked up by the next reconcile.
type FileRegistry struct {
	path   string
	prober *Prober
	logger zerolog.Logger

	mu      sync.Mutex
	modTime time.Time
	cameras map[string]pipeline.CameraInfo
}

// NewFileRegistry loads path. A nil prober marks every camera reachable.
func NewFileRegistry(path string, prober *Prober, logger zerolog.Logger) (*FileRegistry, error) {
	r := &FileRegistry{
		path:   path,
		prober: prober,
		logger: logger.With().Str("component", "camera_registry").Logger(),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseFile decodes a registry document
func ParseFile(data []byte) ([]pipeline.CameraInfo, error) {
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse camera file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Cameras))
	cams := make([]pipeline.CameraInfo, 0, len(doc.Cameras))
	for i, c := range doc.Cameras {
		if c.ID == "" {
			return nil, fmt.Errorf("camera %d: id is required", i)
		}
		if c.StreamURL == "" {
			return nil, fmt.Errorf("camera %s: stream_url is required", c.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("camera %s: duplicate id", c.ID)
		}
		seen[c.ID] = true

		active := true
		if c.Active != nil {
			active = *c.Active
		}
		name := c.Name
		if name == "" {
			name = c.ID
		}
		cams = append(cams, pipeline.CameraInfo{
			ID:        c.ID,
			Name:      name,
			Location:  c.Location,
			StreamURL: c.StreamURL,
			OwnerID:   c.OwnerID,
			Active:    active,
		})
	}
	return cams, nil
}

func (r *FileRegistry) reload() error {
	info, err := os.Stat(r.path)
	if err != nil {
		return fmt.Errorf("failed to stat camera file: %w", err)
	}

	r.mu.Lock()
	unchanged := r.cameras != nil && info.ModTime().Equal(r.modTime)
	r.mu.Unlock()
	if unchanged {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read camera file: %w", err)
	}
	cams, err := ParseFile(data)
	if err != nil {
		return err
	}

	byID := make(map[string]pipeline.CameraInfo, len(cams))
	for _, c := range cams {
		byID[c.ID] = c
	}

	r.mu.Lock()
	r.cameras = byID
	r.modTime = info.ModTime()
	r.mu.Unlock()

	r.logger.Info().Str("path", r.path).Int("cameras", len(cams)).Msg("camera file loaded")
	return nil
}

func (r *FileRegistry) snapshot() []pipeline.CameraInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	cams := make([]pipeline.CameraInfo, 0, len(r.cameras))
	for _, c := range r.cameras {
		cams = append(cams, c)
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })
	return cams
}

// Cameras returns every camera in the file, with reachability filled in
func (r *FileRegistry) Cameras(ctx context.Context) ([]pipeline.CameraInfo, error) {
	if err := r.reload(); err != nil {
		return nil, err
	}
	cams := r.snapshot()
	for i := range cams {
		cams[i].Reachable = r.reachable(ctx, cams[i])
	}
	return cams, nil
}

// ListEligibleCameras implements pipeline.CameraRegistry
func (r *FileRegistry) ListEligibleCameras(ctx context.Context) ([]pipeline.CameraInfo, error) {
	if err := r.reload(); err != nil {
		return nil, err
	}

	var eligible []pipeline.CameraInfo
	for _, c := range r.snapshot() {
		if !c.Active {
			continue
		}
		c.Reachable = r.reachable(ctx, c)
		if c.Reachable {
			eligible = append(eligible, c)
		}
	}
	return eligible, nil
}

// GetCamera implements pipeline.CameraRegistry
func (r *FileRegistry) GetCamera(ctx context.Context, id string) (*pipeline.CameraInfo, error) {
	if err := r.reload(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	c, ok := r.cameras[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Reachable = r.reachable(ctx, c)
	return &c, nil
}

func (r *FileRegistry) reachable(ctx context.Context, c pipeline.CameraInfo) bool {
	if r.prober == nil {
		return true
	}
	return r.prober.Reachable(ctx, c.StreamURL)
}

var _ pipeline.CameraRegistry = (*FileRegistry)(nil)
