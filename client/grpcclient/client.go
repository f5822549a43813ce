// Package grpcclient reaches a remote client service over unary gRPC calls carrying JSON payloads.
package grpcclient

import (
	"context"
	"fmt"

	"github.com/getpup/backfill-orchestrator/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service implemented by client services.
const ServiceName = "backfill.v1.ClientService"

const tracerName = "github.com/getpup/backfill-orchestrator/client/grpcclient"

// Client implements client.Client over a gRPC connection.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
	tracer trace.Tracer
}

// Dial creates a Client for target. The connection is established lazily on the first call.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	c := New(conn)
	c.closer = conn.Close
	return c, nil
}

// New creates a Client over an existing connection. Close is a no-op for such clients.
func New(conn grpc.ClientConnInterface) *Client {
	return &Client{
		conn:   conn,
		tracer: otel.Tracer(tracerName),
	}
}

// Close releases the connection created by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// PrepareBackfill implements client.Client.
func (c *Client) PrepareBackfill(ctx context.Context, req client.PrepareBackfillRequest) (client.PrepareBackfillResponse, error) {
	var resp client.PrepareBackfillResponse
	err := c.invoke(ctx, "PrepareBackfill", req, &resp,
		attribute.String("backfill.name", req.BackfillName),
	)
	return resp, err
}

// GetNextBatchRange implements client.Client.
func (c *Client) GetNextBatchRange(ctx context.Context, req client.GetNextBatchRangeRequest) (client.GetNextBatchRangeResponse, error) {
	var resp client.GetNextBatchRangeResponse
	err := c.invoke(ctx, "GetNextBatchRange", req, &resp,
		attribute.String("backfill.name", req.BackfillName),
		attribute.String("backfill.partition", req.PartitionName),
		attribute.Bool("backfill.precomputing", req.Precomputing),
		attribute.Int64("backfill.compute_count_limit", req.ComputeCountLimit),
	)
	return resp, err
}

// RunBatch implements client.Client.
func (c *Client) RunBatch(ctx context.Context, req client.RunBatchRequest) (client.RunBatchResponse, error) {
	var resp client.RunBatchResponse
	err := c.invoke(ctx, "RunBatch", req, &resp,
		attribute.String("backfill.name", req.BackfillName),
		attribute.String("backfill.partition", req.PartitionName),
		attribute.Bool("backfill.dry_run", req.DryRun),
	)
	return resp, err
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, attrs ...attribute.KeyValue) error {
	ctx, span := c.tracer.Start(ctx, ServiceName+"/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s call failed: %w", method, err)
	}
	return nil
}

var _ client.Client = (*Client)(nil)
