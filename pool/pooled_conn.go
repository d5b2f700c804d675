package pool

import (
	"fmt"
	"time"
)

// PooledConn is a database connection owned by a Pool. Its state is
// changed under the pool lock only.
type PooledConn struct {
	id        uint64
	conn      Conn
	state     State
	createdAt time.Time
	lastUsed  time.Time
}

// ID returns a pool unique connection id.
func (pc *PooledConn) ID() uint64 {
	return pc.id
}

// transition moves the connection to a new state. It fails for a
// transition not allowed by the lifecycle.
func (pc *PooledConn) transition(to State) error {
	if !CanTransition(pc.state, to) {
		return fmt.Errorf("connection %d: illegal transition %s -> %s", pc.id, pc.state, to)
	}
	pc.state = to
	return nil
}

// mustTransition is transition for paths where the current state is known.
func (pc *PooledConn) mustTransition(to State) {
	if err := pc.transition(to); err != nil {
		panic(err)
	}
}
