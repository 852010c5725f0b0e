package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/segtrack/internal/api"
	"github.com/banshee-data/segtrack/internal/config"
	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/monitoring"
	"github.com/banshee-data/segtrack/internal/pipeline"
	"github.com/banshee-data/segtrack/internal/segment"
	"github.com/banshee-data/segtrack/internal/tracking"
	"github.com/banshee-data/segtrack/internal/version"
	"github.com/banshee-data/segtrack/internal/worker"
)

var (
	configPath = flag.String("config", "", "Pipeline config file (.json or .toml); defaults to "+config.DefaultConfigPath+" when present")
	logFormat  = flag.String("log-format", "text", "Log format: text or json")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	logger, err := newLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		fail(fault.Wrap(fault.Input, "segtrack.logging", err))
	}
	routeLogs(logger)

	command := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		err = handleRun(ctx, args)
	case "split":
		err = handleSplit(ctx, args)
	case "process":
		err = handleProcess(ctx, args)
	case "reconcile":
		err = handleReconcile(ctx, args)
	case "reset-ids":
		err = handleResetIDs(ctx, args)
	case "serve":
		err = handleServe(ctx, args, logger)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		stop()
		fail(err)
	}
}

func printUsage() {
	fmt.Println(`segtrack - segment-parallel detection and tracking for video

Usage: segtrack [global flags] <command> [options]

Commands:
  run        Split, process, reconcile and write results for one video
  split      Split a video and stage its segments and manifest
  process    Run detect and track over the staged segments of a request
  reconcile  Stitch processed segments into the final timeline and write it
  reset-ids  Ask the tracker to restart identity allocation
  serve      Serve the job API over HTTP
  version    Show the build version
  help       Show this help message

Global Flags:
  -config <file>       Pipeline config (.json or .toml)
  -log-format <fmt>    text or json (default text)
  -log-level <level>   debug, info, warn, error (default info)

Examples:
  segtrack run -source clips/drive.mp4
  segtrack split -source clips/drive.mp4 -request-id drive-1
  segtrack process -request-id drive-1
  segtrack reconcile -request-id drive-1
  segtrack -config config/pipeline.toml serve -listen :8080`)
}

func newLogger(w io.Writer, format, level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(w)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	return logger, nil
}

// routeLogs sends library diagnostics and the pipeline streams to logger.
// The trace stream stays off unless debug logging is enabled.
func routeLogs(logger *logrus.Logger) {
	monitoring.SetLogger(logger.Infof)
	var trace io.Writer
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		trace = logger.WriterLevel(logrus.DebugLevel)
	}
	pipeline.SetLogWriters(logger.WriterLevel(logrus.WarnLevel), logger.WriterLevel(logrus.InfoLevel), trace)
}

// fail prints err as a JSON fault on stderr and exits 1.
func fail(err error) {
	fe := fault.AsError(err, fault.Input)
	data, mErr := json.Marshal(fe)
	if mErr != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintln(os.Stderr, string(data))
	}
	os.Exit(1)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (*config.PipelineConfig, error) {
	const op = "segtrack.config"
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.DefaultPipelineConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	cfg, err := config.LoadPipelineConfig(path)
	if err != nil {
		return nil, fault.Wrap(fault.Input, op, err)
	}
	return cfg, nil
}

func setup() (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.Input, "segtrack.config", err)
	}
	s, err := build(cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Storage, "segtrack.setup", err)
	}
	return s, nil
}

func handleRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	source := fs.String("source", "", "Source video (.mp4, .avi, .mov)")
	requestID := fs.String("request-id", "", "Request id (generated when empty)")
	duration := fs.Float64("segment-duration", 0, "Segment length in seconds (config default when zero)")
	fs.Parse(args)

	s, err := setup()
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.pipeline.Run(ctx, pipeline.Request{RequestID: *requestID, SourcePath: *source, Duration: *duration})
	if err != nil {
		return err
	}
	return printJSON(out)
}

func handleSplit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("split", flag.ExitOnError)
	source := fs.String("source", "", "Source video (.mp4, .avi, .mov)")
	requestID := fs.String("request-id", "", "Request id (generated when empty)")
	duration := fs.Float64("segment-duration", 0, "Segment length in seconds (config default when zero)")
	fs.Parse(args)

	s, err := setup()
	if err != nil {
		return err
	}
	defer s.Close()

	id := *requestID
	if id == "" {
		id = pipeline.NewRequestID()
	}
	m, err := s.pipeline.Segmenter.Split(ctx, segment.SplitRequest{RequestID: id, SourcePath: *source, Duration: *duration})
	if err != nil {
		return err
	}
	return printJSON(m)
}

// handleProcess runs every staged segment of a request, or just one with
// -segment. A single segment gets its own identity space, so reconcile
// such runs with remap_key "segment".
func handleProcess(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	requestID := fs.String("request-id", "", "Request id of a split video (required)")
	only := fs.Int("segment", -1, "Process only this segment number")
	fs.Parse(args)

	s, err := setup()
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := segment.LoadManifest(ctx, s.store, *requestID)
	if err != nil {
		return err
	}

	if *only >= 0 {
		if *only >= len(m.Segments) {
			return fault.Newf(fault.Input, "segtrack.process", "segment %d out of range, manifest has %d", *only, len(m.Segments))
		}
		ids := tracking.NewIDSpace()
		if err := s.tracker.ResetIDs(ctx, ids); err != nil {
			return fault.Wrap(fault.Collaborator, "segtrack.process", err)
		}
		recs, err := s.pipeline.Worker.Process(ctx, m.Segments[*only], ids)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"segment": *only, "records": len(recs)})
	}

	outputs, err := s.pipeline.Process(ctx, m)
	if err != nil {
		return err
	}
	counts := make(map[string]int, len(outputs))
	for n, recs := range outputs {
		counts[fmt.Sprintf("%d", n)] = len(recs)
	}
	return printJSON(map[string]interface{}{"request_id": m.RequestID, "records": counts})
}

func handleReconcile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	requestID := fs.String("request-id", "", "Request id of a processed video (required)")
	fs.Parse(args)

	s, err := setup()
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := segment.LoadManifest(ctx, s.store, *requestID)
	if err != nil {
		return err
	}
	outputs, err := worker.LoadOutputs(ctx, s.store, m)
	if err != nil {
		return err
	}
	timeline, err := s.pipeline.Reconciler.Reconcile(m, outputs)
	if err != nil {
		return err
	}
	res, err := s.pipeline.Sink.Write(ctx, m, timeline)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func handleResetIDs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset-ids", flag.ExitOnError)
	fs.Parse(args)

	s, err := setup()
	if err != nil {
		return err
	}
	defer s.Close()

	ids := tracking.NewIDSpace()
	if err := s.tracker.ResetIDs(ctx, ids); err != nil {
		return fault.Wrap(fault.Collaborator, "segtrack.reset_ids", err)
	}
	return printJSON(map[string]int64{"next_id": ids.Issued() + 1, "count": ids.Issued()})
}

func handleServe(ctx context.Context, args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", ":8080", "Listen address")
	fs.Parse(args)

	s, err := setup()
	if err != nil {
		return err
	}
	defer s.Close()

	jobs := pipeline.NewJobs(s.pipeline)
	srv := api.NewServer(ctx, jobs, s.store, s.rows)
	mux, err := srv.ServeMux()
	if err != nil {
		return fault.Wrap(fault.Storage, "segtrack.serve", err)
	}

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("serving on %s", *listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fault.Wrap(fault.Input, "segtrack.serve", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	}
	jobs.Wait()
	return nil
}
