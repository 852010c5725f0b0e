package rows

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// DynamoStore writes rows to a DynamoDB table with partition key
// request_id and sort key frame_track_key. Numeric fields are written as
// N attributes from their decimal strings, so no float conversion happens
// on either side.
type DynamoStore struct {
	Table  string
	Client dynamodbiface.DynamoDBAPI
}

// DynamoOptions configures NewDynamoStore. Endpoint is for local emulators.
type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string
}

func NewDynamoStore(opts DynamoOptions) (*DynamoStore, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	cfg := aws.NewConfig()
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &DynamoStore{Table: opts.Table, Client: dynamodb.New(sess)}, nil
}

func (d *DynamoStore) Close() error { return nil }

func (d *DynamoStore) Put(ctx context.Context, row Row) error {
	_, err := d.Client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.Table),
		Item:      toItem(row),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", row.RequestID, row.FrameTrackKey, err)
	}
	return nil
}

// Rows queries the request's partition. A frame restricts the sort key to
// the "{frame}#" prefix.
func (d *DynamoStore) Rows(ctx context.Context, requestID string, frame *int) ([]Row, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.Table),
		KeyConditionExpression: aws.String("request_id = :rid"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":rid": {S: aws.String(requestID)},
		},
	}
	if frame != nil {
		in.KeyConditionExpression = aws.String("request_id = :rid AND begins_with(frame_track_key, :prefix)")
		in.ExpressionAttributeValues[":prefix"] = &dynamodb.AttributeValue{S: aws.String(strconv.Itoa(*frame) + "#")}
	}

	var (
		out     []Row
		itemErr error
	)
	err := d.Client.QueryPagesWithContext(ctx, in, func(page *dynamodb.QueryOutput, _ bool) bool {
		for _, item := range page.Items {
			r, err := fromItem(item)
			if err != nil {
				itemErr = err
				return false
			}
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", requestID, err)
	}
	if itemErr != nil {
		return nil, itemErr
	}
	sortRows(out)
	return out, nil
}

func toItem(r Row) map[string]*dynamodb.AttributeValue {
	null := &dynamodb.AttributeValue{NULL: aws.Bool(true)}
	num := func(s *string) *dynamodb.AttributeValue {
		if s == nil {
			return null
		}
		return &dynamodb.AttributeValue{N: aws.String(*s)}
	}
	str := func(s *string) *dynamodb.AttributeValue {
		if s == nil {
			return null
		}
		return &dynamodb.AttributeValue{S: aws.String(*s)}
	}
	return map[string]*dynamodb.AttributeValue{
		"request_id":      {S: aws.String(r.RequestID)},
		"frame_track_key": {S: aws.String(r.FrameTrackKey)},
		"frame_id":        {N: aws.String(strconv.Itoa(r.FrameID))},
		"track_id":        num(r.TrackID),
		"class_name":      str(r.ClassName),
		"class_id":        num(r.ClassID),
		"confidence":      num(r.Confidence),
		"timestamp":       {N: aws.String(r.Timestamp)},
		"box":             str(r.Box),
	}
}

func fromItem(item map[string]*dynamodb.AttributeValue) (Row, error) {
	r := Row{
		RequestID:     aws.StringValue(attr(item, "request_id").S),
		FrameTrackKey: aws.StringValue(attr(item, "frame_track_key").S),
		Timestamp:     aws.StringValue(attr(item, "timestamp").N),
		TrackID:       attr(item, "track_id").N,
		ClassName:     attr(item, "class_name").S,
		ClassID:       attr(item, "class_id").N,
		Confidence:    attr(item, "confidence").N,
		Box:           attr(item, "box").S,
	}
	frame, err := strconv.Atoi(aws.StringValue(attr(item, "frame_id").N))
	if err != nil {
		return Row{}, fmt.Errorf("item %s: bad frame_id: %w", r.FrameTrackKey, err)
	}
	r.FrameID = frame
	return r, nil
}

func attr(item map[string]*dynamodb.AttributeValue, name string) *dynamodb.AttributeValue {
	if v, ok := item[name]; ok && v != nil {
		return v
	}
	return &dynamodb.AttributeValue{}
}
