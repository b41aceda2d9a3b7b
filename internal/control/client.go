package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to a running daemon.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Status checks each service name; Overall is always included first.
func (c *Client) Status(ctx context.Context, services ...string) (map[string]healthpb.HealthCheckResponse_ServingStatus, error) {
	out := make(map[string]healthpb.HealthCheckResponse_ServingStatus, len(services)+1)
	for _, svc := range append([]string{Overall}, services...) {
		resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", svc, err)
		}
		out[svc] = resp.GetStatus()
	}
	return out, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
