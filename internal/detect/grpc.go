package detect

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/segtrack/internal/fault"
	"github.com/banshee-data/segtrack/internal/ffmpeg"
)

// DetectMethod is the full gRPC method name. Request and response are both
// google.protobuf.Struct carrying the same fields as the HTTP JSON bodies,
// which lets a detector expose one schema over either transport.
const DetectMethod = "/segtrack.detector.v1.Detector/Detect"

// GRPCDetector calls DetectMethod on a shared connection.
type GRPCDetector struct {
	conn        grpc.ClientConnInterface
	closer      func() error
	JPEGQuality int
}

// DialGRPCDetector connects to target without transport security; detectors
// are expected to run beside the pipeline.
func DialGRPCDetector(target string, opts ...grpc.DialOption) (*GRPCDetector, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(16 << 20)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}
	return &GRPCDetector{conn: conn, closer: conn.Close}, nil
}

func (d *GRPCDetector) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

func (d *GRPCDetector) Detect(ctx context.Context, requestID string, frame ffmpeg.Frame) (Detection, error) {
	const op = "detect.grpc"

	body, err := encodeFrame(requestID, frame, d.JPEGQuality)
	if err != nil {
		return Detection{}, fault.Wrap(fault.Input, op, err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return Detection{}, fault.Wrap(fault.Input, op, err)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return Detection{}, fault.Wrap(fault.Input, op, err)
	}

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		return Detection{}, fault.Wrap(fault.Collaborator, op, fmt.Errorf("frame %d: %w", frame.Index, err))
	}
	data, err := json.Marshal(resp.AsMap())
	if err != nil {
		return Detection{}, fault.Wrap(fault.Collaborator, op, err)
	}
	var det Detection
	if err := json.Unmarshal(data, &det); err != nil {
		return Detection{}, fault.Wrap(fault.Collaborator, op, fmt.Errorf("frame %d: decode: %w", frame.Index, err))
	}
	return det, nil
}
