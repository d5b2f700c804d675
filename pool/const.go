package pool

import "time"

const (
	DefaultSize              = 10
	DefaultAcquireTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultProbeConcurrency  = 4
	DefaultConnectTimeout    = 10 * time.Second
	DefaultFetchSize         = 100

	DefaultReconnectInitial    = 100 * time.Millisecond
	DefaultReconnectMax        = 30 * time.Second
	DefaultReconnectMultiplier = 2
	DefaultReconnectRetries    = 10
)
