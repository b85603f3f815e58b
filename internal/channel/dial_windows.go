//go:build windows

package channel

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

func dialIPC(path string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		return winio.DialPipeContext(ctx, path)
	}
}
