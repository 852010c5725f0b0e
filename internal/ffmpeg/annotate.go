package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Overlay is one box and label to draw on a single frame.
type Overlay struct {
	Frame          int
	X1, Y1, X2, Y2 float64
	Label          string
}

// Annotate re-encodes src into out with every overlay drawn on its frame.
// The filter graph is written to a script file since a long video produces
// far more drawbox/drawtext instances than fit on a command line.
func (t *Transcoder) Annotate(ctx context.Context, src, out string, overlays []Overlay) error {
	script, err := os.CreateTemp(filepath.Dir(out), "overlay-*.txt")
	if err != nil {
		return fmt.Errorf("overlay script: %w", err)
	}
	defer os.Remove(script.Name())
	if _, err := script.WriteString(FilterScript(overlays)); err != nil {
		script.Close()
		return fmt.Errorf("overlay script: %w", err)
	}
	if err := script.Close(); err != nil {
		return fmt.Errorf("overlay script: %w", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-filter_script:v", script.Name(),
		"-c:v", "libx264",
		"-crf", "22",
		"-c:a", "copy",
		"-movflags", "+faststart",
		out,
	}
	if _, err := t.runner().Run(ctx, t.ffmpeg(), args...); err != nil {
		return fmt.Errorf("annotate %s: %w", filepath.Base(src), err)
	}
	return nil
}

// FilterScript renders overlays as a comma-separated drawbox/drawtext chain.
// An empty overlay list yields the pass-through "null" filter.
func FilterScript(overlays []Overlay) string {
	if len(overlays) == 0 {
		return "null"
	}
	parts := make([]string, 0, 2*len(overlays))
	for _, o := range overlays {
		enable := fmt.Sprintf("enable='eq(n,%d)'", o.Frame)
		x, y := int(o.X1), int(o.Y1)
		w, h := int(o.X2-o.X1), int(o.Y2-o.Y1)
		parts = append(parts, fmt.Sprintf("drawbox=x=%d:y=%d:w=%d:h=%d:color=lime@0.9:t=2:%s", x, y, w, h, enable))
		if o.Label != "" {
			ty := y - 20
			if ty < 0 {
				ty = y + 2
			}
			parts = append(parts, fmt.Sprintf("drawtext=text='%s':x=%d:y=%d:fontsize=16:fontcolor=white:box=1:boxcolor=black@0.6:%s",
				sanitizeLabel(o.Label), x, ty, enable))
		}
	}
	return strings.Join(parts, ",\n")
}

// sanitizeLabel keeps characters that need no filtergraph escaping.
func sanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '#' || r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
