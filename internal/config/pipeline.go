package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/banshee-data/segtrack/internal/tracking"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

const maxConfigSize = 1 * 1024 * 1024 // 1MB

// PipelineConfig holds every tunable of a pipeline run. Fields are pointers
// so that a partial file only overrides what it names; the Get* methods
// supply the compiled defaults for anything left unset.
type PipelineConfig struct {
	// Segmentation and timing
	SegmentDurationSecs *float64 `json:"segment_duration_secs,omitempty" toml:"segment_duration_secs,omitempty"`
	FrameRate           *float64 `json:"frame_rate,omitempty" toml:"frame_rate,omitempty"`
	MaxWorkers          *int     `json:"max_workers,omitempty" toml:"max_workers,omitempty"`
	CollaboratorTimeout *string  `json:"collaborator_timeout,omitempty" toml:"collaborator_timeout,omitempty"` // duration string like "30s"
	RemapKey            *string  `json:"remap_key,omitempty" toml:"remap_key,omitempty"`                       // "value" or "segment"

	// Collaborators
	DetectorTransport *string `json:"detector_transport,omitempty" toml:"detector_transport,omitempty"` // "http" or "grpc"
	DetectorEndpoint  *string `json:"detector_endpoint,omitempty" toml:"detector_endpoint,omitempty"`
	TrackerEndpoint   *string `json:"tracker_endpoint,omitempty" toml:"tracker_endpoint,omitempty"` // empty selects the local tracker

	// Local tracker and anti-noise filters
	TrackThresh    *float64 `json:"track_thresh,omitempty" toml:"track_thresh,omitempty"`
	MatchThresh    *float64 `json:"match_thresh,omitempty" toml:"match_thresh,omitempty"`
	TrackBuffer    *int     `json:"track_buffer,omitempty" toml:"track_buffer,omitempty"`
	HitsToConfirm  *int     `json:"hits_to_confirm,omitempty" toml:"hits_to_confirm,omitempty"`
	MinBoxArea     *float64 `json:"min_box_area,omitempty" toml:"min_box_area,omitempty"`
	MaxAspectRatio *float64 `json:"max_aspect_ratio,omitempty" toml:"max_aspect_ratio,omitempty"`

	// Storage
	StorageBackend *string `json:"storage_backend,omitempty" toml:"storage_backend,omitempty"` // "fs" or "s3"
	StorageRoot    *string `json:"storage_root,omitempty" toml:"storage_root,omitempty"`
	S3Bucket       *string `json:"s3_bucket,omitempty" toml:"s3_bucket,omitempty"`
	S3Region       *string `json:"s3_region,omitempty" toml:"s3_region,omitempty"`
	S3Endpoint     *string `json:"s3_endpoint,omitempty" toml:"s3_endpoint,omitempty"`
	TableBackend   *string `json:"table_backend,omitempty" toml:"table_backend,omitempty"` // "sqlite", "dynamodb" or "none"
	SQLitePath     *string `json:"sqlite_path,omitempty" toml:"sqlite_path,omitempty"`
	DynamoDBTable  *string `json:"dynamodb_table,omitempty" toml:"dynamodb_table,omitempty"`

	// Optional outputs
	Annotate   *bool `json:"annotate,omitempty" toml:"annotate,omitempty"`
	MergeVideo *bool `json:"merge_video,omitempty" toml:"merge_video,omitempty"`
	Report     *bool `json:"report,omitempty" toml:"report,omitempty"`

	AllowedInputDirs []string `json:"allowed_input_dirs,omitempty" toml:"allowed_input_dirs,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyPipelineConfig returns a PipelineConfig with all fields unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// DefaultPipelineConfig returns a config with every field set to its
// compiled default.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		SegmentDurationSecs: ptrFloat64(3),
		FrameRate:           ptrFloat64(25),
		MaxWorkers:          ptrInt(4),
		CollaboratorTimeout: ptrString("30s"),
		RemapKey:            ptrString("value"),
		DetectorTransport:   ptrString("http"),
		DetectorEndpoint:    ptrString(""),
		TrackerEndpoint:     ptrString(""),
		TrackThresh:         ptrFloat64(0.5),
		MatchThresh:         ptrFloat64(0.8),
		TrackBuffer:         ptrInt(50),
		HitsToConfirm:       ptrInt(2),
		MinBoxArea:          ptrFloat64(1.0),
		MaxAspectRatio:      ptrFloat64(10.0),
		StorageBackend:      ptrString("fs"),
		StorageRoot:         ptrString("data"),
		S3Bucket:            ptrString(""),
		S3Region:            ptrString(""),
		S3Endpoint:          ptrString(""),
		TableBackend:        ptrString("sqlite"),
		SQLitePath:          ptrString("segtrack.db"),
		DynamoDBTable:       ptrString(""),
		Annotate:            ptrBool(false),
		MergeVideo:          ptrBool(false),
		Report:              ptrBool(true),
		AllowedInputDirs:    []string{},
	}
}

// LoadPipelineConfig loads a PipelineConfig from a .json or .toml file of
// at most 1MB. Fields omitted from the file keep their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if ext == ".toml" {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/storage/rows/
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set.
func (c *PipelineConfig) Validate() error {
	if c.SegmentDurationSecs != nil && *c.SegmentDurationSecs <= 0 {
		return fmt.Errorf("segment_duration_secs must be positive, got %g", *c.SegmentDurationSecs)
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %g", *c.FrameRate)
	}
	if c.MaxWorkers != nil && *c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", *c.MaxWorkers)
	}
	if c.CollaboratorTimeout != nil && *c.CollaboratorTimeout != "" {
		if _, err := time.ParseDuration(*c.CollaboratorTimeout); err != nil {
			return fmt.Errorf("invalid collaborator_timeout '%s': %w", *c.CollaboratorTimeout, err)
		}
	}
	if err := oneOf("remap_key", c.RemapKey, "value", "segment"); err != nil {
		return err
	}
	if err := oneOf("detector_transport", c.DetectorTransport, "http", "grpc"); err != nil {
		return err
	}
	if err := oneOf("storage_backend", c.StorageBackend, "fs", "s3"); err != nil {
		return err
	}
	if err := oneOf("table_backend", c.TableBackend, "sqlite", "dynamodb", "none"); err != nil {
		return err
	}
	for name, v := range map[string]*float64{"track_thresh": c.TrackThresh, "match_thresh": c.MatchThresh} {
		if v != nil && (*v <= 0 || *v > 1) {
			return fmt.Errorf("%s must be in (0, 1], got %g", name, *v)
		}
	}
	if c.TrackBuffer != nil && *c.TrackBuffer <= 0 {
		return fmt.Errorf("track_buffer must be positive, got %d", *c.TrackBuffer)
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm <= 0 {
		return fmt.Errorf("hits_to_confirm must be positive, got %d", *c.HitsToConfirm)
	}
	if c.MinBoxArea != nil && *c.MinBoxArea < 0 {
		return fmt.Errorf("min_box_area must be non-negative, got %g", *c.MinBoxArea)
	}
	if c.MaxAspectRatio != nil && *c.MaxAspectRatio <= 0 {
		return fmt.Errorf("max_aspect_ratio must be positive, got %g", *c.MaxAspectRatio)
	}
	if c.GetStorageBackend() == "s3" && c.GetS3Bucket() == "" {
		return fmt.Errorf("storage_backend s3 requires s3_bucket")
	}
	if c.GetTableBackend() == "dynamodb" && c.GetDynamoDBTable() == "" {
		return fmt.Errorf("table_backend dynamodb requires dynamodb_table")
	}
	return nil
}

func oneOf(name string, v *string, allowed ...string) error {
	if v == nil || *v == "" {
		return nil
	}
	for _, a := range allowed {
		if *v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), *v)
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getString(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c *PipelineConfig) GetSegmentDurationSecs() float64 { return getFloat(c.SegmentDurationSecs, 3) }
func (c *PipelineConfig) GetFrameRate() float64           { return getFloat(c.FrameRate, 25) }
func (c *PipelineConfig) GetMaxWorkers() int              { return getInt(c.MaxWorkers, 4) }
func (c *PipelineConfig) GetRemapKey() string             { return getString(c.RemapKey, "value") }
func (c *PipelineConfig) GetDetectorTransport() string    { return getString(c.DetectorTransport, "http") }
func (c *PipelineConfig) GetDetectorEndpoint() string     { return getString(c.DetectorEndpoint, "") }
func (c *PipelineConfig) GetTrackerEndpoint() string      { return getString(c.TrackerEndpoint, "") }
func (c *PipelineConfig) GetMinBoxArea() float64          { return getFloat(c.MinBoxArea, 1.0) }
func (c *PipelineConfig) GetMaxAspectRatio() float64      { return getFloat(c.MaxAspectRatio, 10.0) }
func (c *PipelineConfig) GetStorageBackend() string       { return getString(c.StorageBackend, "fs") }
func (c *PipelineConfig) GetStorageRoot() string          { return getString(c.StorageRoot, "data") }
func (c *PipelineConfig) GetS3Bucket() string             { return getString(c.S3Bucket, "") }
func (c *PipelineConfig) GetS3Region() string             { return getString(c.S3Region, "") }
func (c *PipelineConfig) GetS3Endpoint() string           { return getString(c.S3Endpoint, "") }
func (c *PipelineConfig) GetTableBackend() string         { return getString(c.TableBackend, "sqlite") }
func (c *PipelineConfig) GetSQLitePath() string           { return getString(c.SQLitePath, "segtrack.db") }
func (c *PipelineConfig) GetDynamoDBTable() string        { return getString(c.DynamoDBTable, "") }
func (c *PipelineConfig) GetAnnotate() bool               { return getBool(c.Annotate, false) }
func (c *PipelineConfig) GetMergeVideo() bool             { return getBool(c.MergeVideo, false) }
func (c *PipelineConfig) GetReport() bool                 { return getBool(c.Report, true) }

// GetCollaboratorTimeout parses CollaboratorTimeout, falling back to 30s.
func (c *PipelineConfig) GetCollaboratorTimeout() time.Duration {
	if c.CollaboratorTimeout == nil || *c.CollaboratorTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(*c.CollaboratorTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// TrackerConfig returns the local tracker parameters, starting from the
// tracker's own defaults.
func (c *PipelineConfig) TrackerConfig() tracking.Config {
	tc := tracking.DefaultConfig()
	tc.TrackThresh = getFloat(c.TrackThresh, tc.TrackThresh)
	tc.MatchThresh = getFloat(c.MatchThresh, tc.MatchThresh)
	tc.TrackBuffer = getInt(c.TrackBuffer, tc.TrackBuffer)
	tc.HitsToConfirm = getInt(c.HitsToConfirm, tc.HitsToConfirm)
	tc.FrameRate = c.GetFrameRate()
	return tc
}
