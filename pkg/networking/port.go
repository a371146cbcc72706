// Package networking provides network helpers shared by the broker,
// notably the TCP readiness probe used after spawning a workload.
package networking

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	// ProbeDialTimeout is the timeout for a single TCP connection attempt.
	ProbeDialTimeout = 1 * time.Second

	// ProbeRetryInterval is the delay between connection attempts.
	ProbeRetryInterval = 500 * time.Millisecond
)

// WaitForPort waits until a TCP connection to host:port succeeds, retrying
// every ProbeRetryInterval until the timeout elapses or ctx is cancelled.
// Returns nil on success.
func WaitForPort(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	deadline := time.Now().Add(timeout)

	dialer := &net.Dialer{Timeout: ProbeDialTimeout}
	for time.Now().Before(deadline) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ProbeRetryInterval):
		}
	}

	return fmt.Errorf("%s not reachable within %s", addr, timeout)
}
