package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/monitoring"
	"github.com/banshee-data/segtrack/internal/security"
	"github.com/banshee-data/segtrack/internal/storage/blob"
)

// DefaultDuration is the nominal segment length in seconds.
const DefaultDuration = 3.0

// AllowedExtensions lists the container formats the segmenter accepts.
var AllowedExtensions = map[string]bool{".mp4": true, ".avi": true, ".mov": true}

// Splitter cuts src into fixed-duration segment files under outDir and returns
// their base names in segment order.
type Splitter interface {
	Split(ctx context.Context, src, outDir string, duration float64) ([]string, error)
}

// Segmenter partitions a source video and stages the pieces in the blob store.
type Segmenter struct {
	Store    blob.Store
	Splitter Splitter

	// Duration is the nominal segment length; zero means DefaultDuration.
	Duration float64
	// AllowedDirs, when non-empty, confines source paths to these directories.
	AllowedDirs []string
	// WorkDir is where segment files are cut before upload; empty uses os.TempDir.
	WorkDir string
}

// SplitRequest names the source and the request it belongs to.
type SplitRequest struct {
	RequestID  string
	SourcePath string
	// Duration overrides Segmenter.Duration when positive.
	Duration float64
}

// Split cuts the source, uploads every segment with its metadata, and writes
// the manifest last so a visible manifest implies its segments are in place.
func (s *Segmenter) Split(ctx context.Context, req SplitRequest) (*Manifest, error) {
	const op = "segmenter.split"

	d, err := s.validate(req)
	if err != nil {
		return nil, fault.Wrap(fault.Input, op, err)
	}

	workDir, err := os.MkdirTemp(s.WorkDir, "split-"+req.RequestID+"-")
	if err != nil {
		return nil, fault.Wrap(fault.Storage, op, fmt.Errorf("create work dir: %w", err))
	}
	defer os.RemoveAll(workDir)

	files, err := s.Splitter.Split(ctx, req.SourcePath, workDir, d)
	if err != nil {
		return nil, fault.Wrap(fault.Collaborator, op, err)
	}
	if len(files) == 0 {
		return nil, fault.Newf(fault.Collaborator, op, "transcoder produced no segments for %s", filepath.Base(req.SourcePath))
	}

	m := &Manifest{
		RequestID:    req.RequestID,
		SegmentCount: len(files),
		Segments:     make([]Segment, 0, len(files)),
	}
	for i, name := range files {
		seg := Segment{
			RequestID:     req.RequestID,
			SegmentFile:   name,
			SegmentNumber: i,
			StartTime:     float64(i) * d,
			Duration:      d,
			OriginalVideo: filepath.Base(req.SourcePath),
		}
		if err := blob.UploadFile(ctx, s.Store, ChunkKey(req.RequestID, name), filepath.Join(workDir, name), blob.ContentTypeMP4); err != nil {
			return nil, fault.Wrap(fault.Storage, op, err)
		}
		if err := blob.PutJSON(ctx, s.Store, ChunkMetaKey(seg), seg); err != nil {
			return nil, fault.Wrap(fault.Storage, op, err)
		}
		m.Segments = append(m.Segments, seg)
	}

	if err := blob.PutJSON(ctx, s.Store, ManifestKey(req.RequestID), m); err != nil {
		return nil, fault.Wrap(fault.Storage, op, err)
	}
	monitoring.Logf("segmenter: request %s split %s into %d segments of %.2fs", req.RequestID, filepath.Base(req.SourcePath), len(files), d)
	return m, nil
}

func (s *Segmenter) validate(req SplitRequest) (float64, error) {
	if err := security.ValidateRequestID(req.RequestID); err != nil {
		return 0, err
	}
	if req.SourcePath == "" {
		return 0, errors.New("source path is required")
	}
	if s.Store == nil || s.Splitter == nil {
		return 0, errors.New("segmenter needs a store and a splitter")
	}

	ext := strings.ToLower(filepath.Ext(req.SourcePath))
	if !AllowedExtensions[ext] {
		return 0, fmt.Errorf("unsupported video extension %q", ext)
	}
	if len(s.AllowedDirs) > 0 {
		if err := security.ValidatePathWithinAllowedDirs(req.SourcePath, s.AllowedDirs); err != nil {
			return 0, err
		}
	}
	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return 0, fmt.Errorf("source video: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("source %s is a directory", req.SourcePath)
	}

	d := req.Duration
	if d <= 0 {
		d = s.Duration
	}
	if d <= 0 {
		d = DefaultDuration
	}
	return d, nil
}
