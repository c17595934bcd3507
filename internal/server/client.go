package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// Client calls the DownloadQueue service.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("server: connect %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

// Enqueue submits req and reports whether the queue accepted it.
func (c *Client) Enqueue(ctx context.Context, req types.Request) (bool, error) {
	in, err := encode(req)
	if err != nil {
		return false, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("Enqueue"), in, out); err != nil {
		return false, err
	}
	return out.GetFields()["accepted"].GetBoolValue(), nil
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var reply StatusReply
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("Status"), &emptypb.Empty{}, out); err != nil {
		return reply, err
	}
	if err := decode(out, &reply); err != nil {
		return reply, fmt.Errorf("server: decode status: %w", err)
	}
	return reply, nil
}

func (c *Client) ClearPending(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod("ClearPending"), &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) ClearFinished(ctx context.Context, withRecords bool) error {
	in, err := structpb.NewStruct(map[string]any{"with_records": withRecords})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, fullMethod("ClearFinished"), in, &emptypb.Empty{})
}

func (c *Client) RemoveFinished(ctx context.Context, downloadID int64, withRecords bool) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{"download_id": downloadID, "with_records": withRecords})
	if err != nil {
		return false, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("RemoveFinished"), in, out); err != nil {
		return false, err
	}
	return out.GetFields()["removed"].GetBoolValue(), nil
}

// Cancel stops the active transfer of target.
func (c *Client) Cancel(ctx context.Context, target string) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{"target": target})
	if err != nil {
		return false, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fullMethod("Cancel"), in, out); err != nil {
		return false, err
	}
	return out.GetFields()["cancelled"].GetBoolValue(), nil
}
