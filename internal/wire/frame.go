// file: internal/wire/frame.go
package wire

// Wire-format constants from spec.md §3/§4.1. All multi-byte header fields
// are big-endian.
const (
	// HeaderLen is the fixed header size: version(1) + type(1) + status(1)
	// + msgid(4) + crc(4) + datalen(4).
	HeaderLen = 15

	versionOffset  = 0
	typeOffset     = 1
	statusOffset   = 2
	msgidOffset    = 3
	crcOffset      = 7
	datalenOffset  = 11

	// ProtocolVersion is the only version this codec accepts or emits.
	ProtocolVersion = 0x1
	// FrameTypeJSON is the only payload type this codec accepts or emits.
	FrameTypeJSON = 0x1
)

// DefaultMaxDataLen is the default payload-size ceiling (16 MiB), as
// spec.md §4.1 specifies; internal/config.Settings.MaxDataLen overrides it.
const DefaultMaxDataLen uint32 = 16 * 1024 * 1024
