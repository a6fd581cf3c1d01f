package control

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
)

// Dial connects to a control server without transport security.
func Dial(ctx context.Context, address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, errors.NewNetworkError("failed to dial control server", err).WithContext("address", address)
	}
	return conn, nil
}

type Client struct {
	health healthpb.HealthClient
	logger logging.Logger
}

func NewClient(conn grpc.ClientConnInterface, logger logging.Logger) *Client {
	return &Client{
		health: healthpb.NewHealthClient(conn),
		logger: logger,
	}
}

// Status returns the serving status of service ("" for the host).
func (c *Client) Status(ctx context.Context, service string) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", errors.NewNotFoundError("unknown service", err).WithContext("service", service)
		}
		c.logger.Errorf("Status check failed, service: %q, error: %v", service, err)
		return "", errors.NewNetworkError("status check failed", err).WithContext("service", service)
	}
	c.logger.Debugf("Status check done, service: %q, status: %s", service, resp.Status)
	return resp.Status.String(), nil
}

// WaitReady polls the host status until it reports SERVING.
func (c *Client) WaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		st, err := c.Status(ctx, HostService)
		if err == nil && st == healthpb.HealthCheckResponse_SERVING.String() {
			return nil
		}
		lastErr = err
		c.logger.Debugf("Host not ready, attempt: %d/%d", i+1, attempts)

		select {
		case <-ctx.Done():
			return errors.NewCancelledError("wait for host cancelled", ctx.Err())
		case <-time.After(interval):
		}
	}
	return errors.NewTimeoutError("host did not become ready", lastErr).WithContext("attempts", attempts)
}
