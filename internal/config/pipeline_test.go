package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	require.NoError(t, cfg.Validate())

	if cfg.GetSegmentDurationSecs() != 3 {
		t.Errorf("GetSegmentDurationSecs() = %g, want 3", cfg.GetSegmentDurationSecs())
	}
	if cfg.GetFrameRate() != 25 {
		t.Errorf("GetFrameRate() = %g, want 25", cfg.GetFrameRate())
	}
	if cfg.GetCollaboratorTimeout() != 30*time.Second {
		t.Errorf("GetCollaboratorTimeout() = %v, want 30s", cfg.GetCollaboratorTimeout())
	}
	if cfg.GetRemapKey() != "value" {
		t.Errorf("GetRemapKey() = %q, want value", cfg.GetRemapKey())
	}
	if !cfg.GetReport() || cfg.GetAnnotate() || cfg.GetMergeVideo() {
		t.Errorf("unexpected output defaults: report=%v annotate=%v merge=%v", cfg.GetReport(), cfg.GetAnnotate(), cfg.GetMergeVideo())
	}
}

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	cfg := EmptyPipelineConfig()
	def := DefaultPipelineConfig()

	assert.Equal(t, def.GetMaxWorkers(), cfg.GetMaxWorkers())
	assert.Equal(t, def.GetStorageBackend(), cfg.GetStorageBackend())
	assert.Equal(t, def.GetTableBackend(), cfg.GetTableBackend())
	assert.Equal(t, def.GetSQLitePath(), cfg.GetSQLitePath())
	assert.Equal(t, def.GetMinBoxArea(), cfg.GetMinBoxArea())
	assert.Equal(t, def.GetMaxAspectRatio(), cfg.GetMaxAspectRatio())
	assert.Equal(t, def.TrackerConfig(), cfg.TrackerConfig())
}

func TestLoadPipelineConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "segment_duration_secs": 2.5,
  "max_workers": 8,
  "remap_key": "segment",
  "track_thresh": 0.6,
  "storage_backend": "s3",
  "s3_bucket": "videos"
}`), 0o644))

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, cfg.GetSegmentDurationSecs())
	assert.Equal(t, 8, cfg.GetMaxWorkers())
	assert.Equal(t, "segment", cfg.GetRemapKey())
	assert.Equal(t, "videos", cfg.GetS3Bucket())
	assert.Equal(t, 0.6, cfg.TrackerConfig().TrackThresh)
	// Unset fields keep their defaults.
	assert.Equal(t, 25.0, cfg.GetFrameRate())
	assert.Equal(t, 50, cfg.TrackerConfig().TrackBuffer)
}

func TestLoadPipelineConfig_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
frame_rate = 30.0
collaborator_timeout = "5s"
detector_transport = "grpc"
detector_endpoint = "localhost:50051"
table_backend = "dynamodb"
dynamodb_table = "tracks"
annotate = true
allowed_input_dirs = ["/srv/videos", "/tmp/in"]
`), 0o644))

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30.0, cfg.GetFrameRate())
	assert.Equal(t, 5*time.Second, cfg.GetCollaboratorTimeout())
	assert.Equal(t, "grpc", cfg.GetDetectorTransport())
	assert.Equal(t, "tracks", cfg.GetDynamoDBTable())
	assert.True(t, cfg.GetAnnotate())
	assert.Equal(t, []string{"/srv/videos", "/tmp/in"}, cfg.AllowedInputDirs)
	assert.Equal(t, 30.0, cfg.TrackerConfig().FrameRate)
}

func TestLoadPipelineConfig_Rejects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"extension", write("c.yaml", "a: 1"), "extension"},
		{"missing", filepath.Join(dir, "absent.json"), "stat"},
		{"too large", write("big.json", `{"s3_bucket":"`+strings.Repeat("x", maxConfigSize)+`"}`), "too large"},
		{"bad json", write("bad.json", `{`), "parse config JSON"},
		{"bad toml", write("bad.toml", `frame_rate = = 1`), "parse config TOML"},
		{"zero duration", write("d.json", `{"segment_duration_secs": 0}`), "segment_duration_secs"},
		{"negative rate", write("r.json", `{"frame_rate": -1}`), "frame_rate"},
		{"workers", write("w.json", `{"max_workers": 0}`), "max_workers"},
		{"timeout", write("t.json", `{"collaborator_timeout": "soon"}`), "collaborator_timeout"},
		{"remap", write("k.json", `{"remap_key": "pair"}`), "remap_key"},
		{"transport", write("tr.json", `{"detector_transport": "carrier-pigeon"}`), "detector_transport"},
		{"s3 bucket", write("s3.json", `{"storage_backend": "s3"}`), "s3_bucket"},
		{"dynamo table", write("dd.json", `{"table_backend": "dynamodb"}`), "dynamodb_table"},
		{"threshold", write("th.json", `{"match_thresh": 1.5}`), "match_thresh"},
		{"aspect", write("ar.json", `{"max_aspect_ratio": 0}`), "max_aspect_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPipelineConfig(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	def := DefaultPipelineConfig()

	assert.Equal(t, def.GetSegmentDurationSecs(), cfg.GetSegmentDurationSecs())
	assert.Equal(t, def.GetFrameRate(), cfg.GetFrameRate())
	assert.Equal(t, def.GetMaxWorkers(), cfg.GetMaxWorkers())
	assert.Equal(t, def.GetCollaboratorTimeout(), cfg.GetCollaboratorTimeout())
	assert.Equal(t, def.TrackerConfig(), cfg.TrackerConfig())
	assert.Equal(t, def.GetTableBackend(), cfg.GetTableBackend())
	assert.Equal(t, def.GetReport(), cfg.GetReport())
}
