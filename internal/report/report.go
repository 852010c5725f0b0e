// Package report summarises a global timeline per track and renders it as
// an HTML chart page and a PNG plot.
package report

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/segtrack/internal/record"
)

// TrackSummary describes one global track.
type TrackSummary struct {
	TrackID          int64   `json:"track_id"`
	ClassName        string  `json:"class_name"`
	FirstFrame       int     `json:"first_frame"`
	LastFrame        int     `json:"last_frame"`
	FirstTimestamp   float64 `json:"first_timestamp"`
	LastTimestamp    float64 `json:"last_timestamp"`
	FrameCount       int     `json:"frame_count"`
	ConfidenceMean   float64 `json:"confidence_mean"`
	ConfidenceStdDev float64 `json:"confidence_stddev"`
}

// Summary is the per-request report body written as summary.json.
type Summary struct {
	RequestID    string                    `json:"request_id"`
	Records      int                       `json:"records"`
	Frames       int                       `json:"frames"`
	ActiveFrames int                       `json:"active_frames"`
	NullReasons  map[record.NullReason]int `json:"null_reasons"`
	Tracks       []TrackSummary            `json:"tracks"`
	Classes      map[string]int            `json:"classes"`
}

// Summarize computes per-track statistics over a global timeline. Tracks
// are ordered by id.
func Summarize(requestID string, recs []record.TrackRecord) Summary {
	s := Summary{
		RequestID:   requestID,
		Records:     len(recs),
		NullReasons: make(map[record.NullReason]int),
		Classes:     make(map[string]int),
	}

	type acc struct {
		sum   TrackSummary
		confs []float64
	}
	byID := make(map[int64]*acc)
	active := ActivePerFrame(recs)
	s.Frames = len(active)
	for _, n := range active {
		if n > 0 {
			s.ActiveFrames++
		}
	}

	for _, r := range recs {
		if r.IsNull() {
			s.NullReasons[r.NullReason]++
			continue
		}
		a, ok := byID[*r.TrackID]
		if !ok {
			a = &acc{sum: TrackSummary{
				TrackID:        *r.TrackID,
				FirstFrame:     r.FrameID,
				FirstTimestamp: r.Timestamp,
			}}
			if r.ClassName != nil {
				a.sum.ClassName = *r.ClassName
				s.Classes[*r.ClassName]++
			}
			byID[*r.TrackID] = a
		}
		if r.FrameID < a.sum.FirstFrame {
			a.sum.FirstFrame, a.sum.FirstTimestamp = r.FrameID, r.Timestamp
		}
		if r.FrameID >= a.sum.LastFrame {
			a.sum.LastFrame, a.sum.LastTimestamp = r.FrameID, r.Timestamp
		}
		a.sum.FrameCount++
		if r.Confidence != nil {
			a.confs = append(a.confs, *r.Confidence)
		}
	}

	for _, a := range byID {
		switch len(a.confs) {
		case 0:
		case 1:
			a.sum.ConfidenceMean = a.confs[0]
		default:
			a.sum.ConfidenceMean, a.sum.ConfidenceStdDev = stat.MeanStdDev(a.confs, nil)
		}
		s.Tracks = append(s.Tracks, a.sum)
	}
	sort.Slice(s.Tracks, func(i, j int) bool { return s.Tracks[i].TrackID < s.Tracks[j].TrackID })
	return s
}

// ActivePerFrame counts populated records per global frame, from frame 0
// to the last frame present.
func ActivePerFrame(recs []record.TrackRecord) []int {
	last := -1
	for _, r := range recs {
		if r.FrameID > last {
			last = r.FrameID
		}
	}
	out := make([]int, last+1)
	for _, r := range recs {
		if r.FrameID >= 0 && !r.IsNull() {
			out[r.FrameID]++
		}
	}
	return out
}

// RenderHTML writes a chart page with active tracks per frame and each
// track's lifespan.
func RenderHTML(w io.Writer, s Summary, recs []record.TrackRecord) error {
	active := ActivePerFrame(recs)
	x := make([]int, len(active))
	y := make([]opts.LineData, len(active))
	for i, n := range active {
		x[i] = i
		y[i] = opts.LineData{Value: n}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracking report " + s.RequestID, Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Active tracks per frame", Subtitle: fmt.Sprintf("request=%s frames=%d tracks=%d", s.RequestID, s.Frames, len(s.Tracks))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Tracks", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).AddSeries("active", y, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))

	pts := make([]opts.ScatterData, 0, len(recs))
	for _, r := range recs {
		if r.IsNull() {
			continue
		}
		pts = append(pts, opts.ScatterData{Value: []interface{}{r.FrameID, *r.TrackID}, Name: r.Label()})
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Track lifespans"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame", NameLocation: "middle", NameGap: 25, Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Track id", NameLocation: "middle", NameGap: 30, Type: "value"}),
	)
	scatter.AddSeries("tracks", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	page := components.NewPage()
	page.SetPageTitle("Tracking report " + s.RequestID)
	page.AddCharts(line, scatter)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// RenderPNG writes a step plot of active tracks per frame.
func RenderPNG(w io.Writer, requestID string, recs []record.TrackRecord) error {
	active := ActivePerFrame(recs)
	p := plot.New()
	p.Title.Text = "Active tracks per frame - " + requestID
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Tracks"

	pts := make(plotter.XYs, len(active))
	peak := 0
	for i, n := range active {
		pts[i] = plotter.XY{X: float64(i), Y: float64(n)}
		peak = max(peak, n)
	}
	if len(pts) > 0 {
		l, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("line: %w", err)
		}
		l.StepStyle = plotter.PostStep
		l.Width = vg.Points(1)
		p.Add(l)
	}
	p.Y.Min = 0
	p.Y.Max = math.Max(1, float64(peak)+1)

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
