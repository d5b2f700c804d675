package ra

import "time"

const (
	// HeaderLength is the size of a frame header in bytes.
	HeaderLength = 12

	frameMagic = byte(0xA5)
)

// Frame flags.
const (
	// FlagCompressed marks a payload packed as an lz4 frame.
	FlagCompressed = byte(1 << 0)
	// FlagResponse marks a frame sent from a server to a client.
	FlagResponse = byte(1 << 1)

	knownFlags = FlagCompressed | FlagResponse
)

// CommandPing is answered by a server itself, without a registered handler.
const CommandPing = CommandID(0)

// PushSync is a sync of a message a server sends without a request.
// Clients never use it for requests.
const PushSync = uint32(0)

const (
	DefaultMaxPayload        = 16 << 20
	DefaultMaxPending        = 1024
	DefaultReadBufferSize    = 64 << 10
	DefaultWriteBufferSize   = 64 << 10
	DefaultWriteTimeout      = 10 * time.Second
	DefaultWorkerQueueFactor = 64

	initialPayloadCap = 64 << 10
)

// Response statuses.
const (
	StatusOK = StatusCode(iota)
	StatusCommandNotFound
	StatusValidation
	StatusInternal
	StatusRateLimited
	StatusPoolExhausted
	StatusTimeout
	StatusConnectivityLost
	StatusExecution
	StatusShutdown
)

// Rate limiting actions.
const (
	RLimitDrop = 1
	RLimitWait = 2
)
