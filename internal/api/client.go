package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls chatsync.v1.SyncService on a daemon.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials the daemon's Unix domain socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes a unary method with args as the request struct.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch opens an event stream for topics starting with prefix.
func (c *Client) Watch(ctx context.Context, prefix string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	req, err := structpb.NewStruct(map[string]any{"topic": prefix})
	if err != nil {
		return nil, err
	}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
