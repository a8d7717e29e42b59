// file: internal/transport/tcp_stream.go
package transport

import (
	"net"

	"github.com/fastproto/fastrpc/internal/logging"
)

// NewTCPStream wraps an already-established net.Conn as a Stream. This is
// the one concrete transport the spec allows as an example — connecting,
// reconnecting, pooling, and TLS configuration remain the caller's
// responsibility and out of scope (spec.md §1); callers dial or accept the
// connection themselves and hand it here.
func NewTCPStream(conn net.Conn, logger logging.Logger) Stream {
	return NewStream(conn, logger)
}
