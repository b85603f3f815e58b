package syncer

import (
	"context"
	"fmt"
	"net"
	"time"
)

const portPollStep = 250 * time.Millisecond

// waitPort blocks until the local TCP port accepts a connection, bounded by
// the given window. Self-proxied retries must not race the engine's inbound
// coming up.
func waitPort(ctx context.Context, port int, bound time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(bound)
	for {
		d := net.Dialer{Timeout: portPollStep}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d did not open within %s", port, bound)
		}
		select {
		case <-time.After(portPollStep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
