package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Transcoder wraps the ffmpeg/ffprobe binaries. Zero values use ExecRunner
// and binaries found on PATH.
type Transcoder struct {
	Runner      Runner
	FFmpegPath  string
	FFprobePath string
}

func (t *Transcoder) runner() Runner {
	if t.Runner == nil {
		return ExecRunner{}
	}
	return t.Runner
}

func (t *Transcoder) ffmpeg() string {
	if t.FFmpegPath == "" {
		return "ffmpeg"
	}
	return t.FFmpegPath
}

func (t *Transcoder) ffprobe() string {
	if t.FFprobePath == "" {
		return "ffprobe"
	}
	return t.FFprobePath
}

// SegmentPattern is the output name template handed to the segment muxer.
const SegmentPattern = "output%04d.mp4"

// Split cuts src into segments of duration seconds in outDir. Keyframes are
// forced on every boundary so each segment decodes independently and
// timestamps restart at zero in every file.
func (t *Transcoder) Split(ctx context.Context, src, outDir string, duration float64) ([]string, error) {
	d := formatSeconds(duration)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-c:v", "libx264",
		"-crf", "22",
		"-map", "0",
		"-segment_time", d,
		"-reset_timestamps", "1",
		"-g", "50",
		"-sc_threshold", "0",
		"-force_key_frames", "expr:gte(t,n_forced*" + d + ")",
		"-f", "segment",
		filepath.Join(outDir, SegmentPattern),
	}
	if _, err := t.runner().Run(ctx, t.ffmpeg(), args...); err != nil {
		return nil, fmt.Errorf("split %s: %w", filepath.Base(src), err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "output") && strings.HasSuffix(e.Name(), ".mp4") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Concat joins files in order into out, re-encoding video and copying audio.
func (t *Transcoder) Concat(ctx context.Context, files []string, out string) error {
	if len(files) == 0 {
		return fmt.Errorf("concat: no input files")
	}
	list, err := os.CreateTemp(filepath.Dir(out), "concat-*.txt")
	if err != nil {
		return fmt.Errorf("concat list: %w", err)
	}
	defer os.Remove(list.Name())
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			list.Close()
			return err
		}
		fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("concat list: %w", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c:v", "libx264",
		"-c:a", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		out,
	}
	if _, err := t.runner().Run(ctx, t.ffmpeg(), args...); err != nil {
		return fmt.Errorf("concat %d files: %w", len(files), err)
	}
	return nil
}

// VideoInfo is what Probe reports about the first video stream.
type VideoInfo struct {
	Width    int
	Height   int
	FPS      float64
	Frames   int
	Duration float64
}

type probeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe on path.
func (t *Transcoder) Probe(ctx context.Context, path string) (VideoInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,r_frame_rate,nb_read_packets:format=duration",
		"-of", "json",
		path,
	}
	out, err := t.runner().Run(ctx, t.ffprobe(), args...)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}
	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return VideoInfo{}, fmt.Errorf("probe %s: decode: %w", filepath.Base(path), err)
	}
	if len(p.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("probe %s: no video stream", filepath.Base(path))
	}
	s := p.Streams[0]
	info := VideoInfo{Width: s.Width, Height: s.Height, FPS: parseRate(s.RFrameRate)}
	info.Frames, _ = strconv.Atoi(s.NbReadPackets)
	info.Duration, _ = strconv.ParseFloat(p.Format.Duration, 64)
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("probe %s: invalid resolution %dx%d", filepath.Base(path), info.Width, info.Height)
	}
	return info, nil
}

// parseRate parses ffprobe's "num/den" frame rate.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
