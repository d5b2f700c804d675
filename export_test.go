package ra

import (
	"context"
	"net"
	"time"
)

func SslDialTimeout(network, address string, timeout time.Duration,
	opts SslOpts) (connection net.Conn, err error) {
	return sslDialTimeout(network, address, timeout, opts)
}

func SslCreateContext(opts SslOpts) (ctx interface{}, err error) {
	return sslCreateContext(opts)
}

// DoOnStaleLink sends a request over a physical connection that was
// current before fn ran.
func DoOnStaleLink(conn *Connection, fn func(), cmd CommandID) *Future {
	l := conn.link.Load()
	fn()
	return conn.send(context.Background(), l, cmd, nil)
}

func ParseAddress(address string) (string, string) {
	return parseAddress(address)
}

func CompressFrame(f Frame, threshold int) (Frame, error) {
	return compressFrame(f, threshold)
}

func DecompressFrame(f Frame, maxPayload uint32) (Frame, error) {
	return decompressFrame(f, maxPayload)
}

func EncodeResponseFrame(cmd CommandID, sync uint32, resp Response) Frame {
	return encodeResponseFrame(cmd, sync, resp)
}

func DecodeResponse(frame Frame) (*Response, error) {
	return decodeResponse(frame)
}

func NewRequestFrame(cmd CommandID, sync uint32, params interface{}) (Frame, error) {
	return newRequestFrame(cmd, sync, params)
}

func Marshal(v interface{}) ([]byte, error) {
	return marshal(v)
}

// OutboundQueue exposes the per connection response queue.
type OutboundQueue struct {
	q *outboundQueue
}

// ResponseSlot is a reserved place in OutboundQueue.
type ResponseSlot struct {
	s *responseSlot
}

var (
	ErrOutboundOverflow = errOutboundOverflow
	ErrOutboundClosed   = errOutboundClosed
)

func NewOutboundQueue(max int) OutboundQueue {
	return OutboundQueue{q: newOutboundQueue(max)}
}

func (q OutboundQueue) Reserve() (ResponseSlot, error) {
	s, err := q.q.reserve()
	return ResponseSlot{s: s}, err
}

func (q OutboundQueue) Fill(s ResponseSlot, f Frame) bool {
	return q.q.fill(s.s, f)
}

func (q OutboundQueue) Take() ([]Frame, bool) {
	return q.q.take(nil)
}

func (q OutboundQueue) Notified() bool {
	select {
	case <-q.q.notify:
		return true
	default:
		return false
	}
}

func (q OutboundQueue) CloseWhenEmpty() {
	q.q.closeWhenEmpty()
}

func (q OutboundQueue) Close() int {
	return q.q.close()
}

func (q OutboundQueue) Len() int {
	return q.q.len()
}
