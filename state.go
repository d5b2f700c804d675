package ra

import "sync/atomic"

// state of a server, a server connection or a client connection
type state uint32

const (
	connOpen state = iota
	connDraining
	connClosed
)

const (
	clientDisconnected state = iota
	clientConnected
	clientClosed
)

const (
	srvIdle state = iota
	srvServing
	srvShutdown
	srvClosed
)

func (s *state) set(news state) {
	atomic.StoreUint32((*uint32)(s), uint32(news))
}

func (s *state) cas(olds, news state) bool {
	return atomic.CompareAndSwapUint32((*uint32)(s), uint32(olds), uint32(news))
}

func (s *state) get() state {
	return state(atomic.LoadUint32((*uint32)(s)))
}
