package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/banshee-data/segtrack/internal/config"
	"github.com/banshee-data/segtrack/internal/detect"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
	"github.com/banshee-data/segtrack/internal/fsutil"
	"github.com/banshee-data/segtrack/internal/httputil"
	"github.com/banshee-data/segtrack/internal/pipeline"
	"github.com/banshee-data/segtrack/internal/reconcile"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/sink"
	"github.com/banshee-data/segtrack/internal/storage/blob"
	"github.com/banshee-data/segtrack/internal/storage/rows"
	"github.com/banshee-data/segtrack/internal/tracking"
	"github.com/banshee-data/segtrack/internal/worker"
)

// stack is every collaborator a subcommand may need, built from one config.
type stack struct {
	cfg      *config.PipelineConfig
	store    blob.Store
	rows     rows.Store
	tracker  tracking.Tracker
	pipeline *pipeline.Pipeline

	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}

func openStore(cfg *config.PipelineConfig) (blob.Store, error) {
	switch cfg.GetStorageBackend() {
	case "s3":
		return blob.NewS3Store(blob.S3Options{
			Bucket:   cfg.GetS3Bucket(),
			Region:   cfg.GetS3Region(),
			Endpoint: cfg.GetS3Endpoint(),
		})
	default:
		root := cfg.GetStorageRoot()
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		return blob.NewFSStore(root, fsutil.OSFileSystem{}), nil
	}
}

func openRows(cfg *config.PipelineConfig) (rows.Store, error) {
	switch cfg.GetTableBackend() {
	case "dynamodb":
		return rows.NewDynamoStore(rows.DynamoOptions{
			Table:    cfg.GetDynamoDBTable(),
			Region:   cfg.GetS3Region(),
			Endpoint: cfg.GetS3Endpoint(),
		})
	case "none":
		return nil, nil
	default:
		return rows.OpenSQLite(cfg.GetSQLitePath())
	}
}

func build(cfg *config.PipelineConfig) (*stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	s.store = store

	rs, err := openRows(cfg)
	if err != nil {
		return nil, fmt.Errorf("open row table: %w", err)
	}
	if rs != nil {
		s.rows = rs
		s.closers = append(s.closers, rs.Close)
	}

	client := httputil.NewStandardClient(&http.Client{Timeout: cfg.GetCollaboratorTimeout()})

	var det detect.Detector
	switch cfg.GetDetectorTransport() {
	case "grpc":
		gd, err := detect.DialGRPCDetector(cfg.GetDetectorEndpoint())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("dial detector: %w", err)
		}
		s.closers = append(s.closers, gd.Close)
		det = gd
	default:
		det = detect.NewHTTPDetector(cfg.GetDetectorEndpoint(), client)
	}

	if ep := cfg.GetTrackerEndpoint(); ep != "" {
		s.tracker = tracking.NewHTTPTracker(ep, client)
	} else {
		s.tracker = tracking.NewLocalTracker(cfg.TrackerConfig())
	}

	key, err := reconcile.ParseRemapKey(cfg.GetRemapKey())
	if err != nil {
		s.Close()
		return nil, err
	}

	tc := &ffmpeg.Transcoder{}
	s.pipeline = &pipeline.Pipeline{
		Segmenter: &segment.Segmenter{
			Store:       store,
			Splitter:    tc,
			Duration:    cfg.GetSegmentDurationSecs(),
			AllowedDirs: cfg.AllowedInputDirs,
		},
		Worker: &worker.Worker{
			Store:          store,
			Decoder:        &ffmpeg.Decoder{Transcoder: tc, FPS: cfg.GetFrameRate()},
			Detector:       det,
			Tracker:        s.tracker,
			MinBoxArea:     cfg.GetMinBoxArea(),
			MaxAspectRatio: cfg.GetMaxAspectRatio(),
			Timeout:        cfg.GetCollaboratorTimeout(),
		},
		Tracker:    s.tracker,
		Reconciler: reconcile.New(cfg.GetFrameRate(), key),
		Sink: &sink.Sink{
			Store:      store,
			Rows:       s.rows,
			Video:      tc,
			MergeVideo: cfg.GetMergeVideo(),
			Annotate:   cfg.GetAnnotate(),
			Report:     cfg.GetReport(),
		},
		MaxWorkers: cfg.GetMaxWorkers(),
	}
	return s, nil
}
