package pool

import (
	"fmt"
	"sync/atomic"
)

// State is a lifecycle state of a pooled connection.
//
//	Created -> Available <-> Leased
//	Available -> Probing -> Available
//	Created, Available, Leased, Probing -> Dead -> Created
type State uint32

const (
	StateCreated State = iota
	StateAvailable
	StateLeased
	StateProbing
	StateDead
)

var stateNames = [...]string{
	StateCreated:   "created",
	StateAvailable: "available",
	StateLeased:    "leased",
	StateProbing:   "probing",
	StateDead:      "dead",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown state (%d)", uint32(s))
}

var transitions = map[State][]State{
	StateCreated:   {StateAvailable, StateDead},
	StateAvailable: {StateLeased, StateProbing, StateDead},
	StateLeased:    {StateAvailable, StateDead},
	StateProbing:   {StateAvailable, StateDead},
	StateDead:      {StateCreated},
}

// CanTransition reports whether a connection may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// pool state
type poolState uint32

const (
	poolOpen poolState = iota
	poolClosed
)

func (s *poolState) set(news poolState) {
	atomic.StoreUint32((*uint32)(s), uint32(news))
}

func (s *poolState) cas(olds, news poolState) bool {
	return atomic.CompareAndSwapUint32((*uint32)(s), uint32(olds), uint32(news))
}

func (s *poolState) get() poolState {
	return poolState(atomic.LoadUint32((*uint32)(s)))
}
