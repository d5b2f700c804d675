package ra

import "fmt"

// Decoder assembles frames from a byte stream that may be split at any
// position. A Decoder keeps a partial frame between calls, so bytes
// consumed once must never be presented again.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	maxPayload uint32

	hdr     [HeaderLength]byte
	hdrLen  int
	cur     Header
	payload []byte
	inBody  bool
}

// NewDecoder creates a Decoder that rejects frames with payloads larger
// than maxPayload bytes. A zero maxPayload means DefaultMaxPayload.
func NewDecoder(maxPayload uint32) *Decoder {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Decode consumes bytes from p until a frame is complete or p is
// exhausted. It returns the frame and true once the frame is complete,
// and the number of consumed bytes. The caller should call Decode again
// with p[n:] while it is not empty.
//
// A returned error is a *MalformedFrameError and the stream can't be
// decoded any more.
func (d *Decoder) Decode(p []byte) (frame Frame, ok bool, n int, err error) {
	if !d.inBody {
		c := copy(d.hdr[d.hdrLen:], p)
		d.hdrLen += c
		n += c
		if d.hdrLen < HeaderLength {
			return Frame{}, false, n, nil
		}
		if d.cur, err = parseHeader(d.hdr[:]); err != nil {
			return Frame{}, false, n, err
		}
		if d.cur.Length > d.maxPayload {
			return Frame{}, false, n, &MalformedFrameError{
				Reason: fmt.Sprintf("declared payload length %d exceeds limit %d",
					d.cur.Length, d.maxPayload),
			}
		}
		d.inBody = true
		capacity := d.cur.Length
		if capacity > initialPayloadCap {
			capacity = initialPayloadCap
		}
		d.payload = make([]byte, 0, capacity)
	}

	rest := int(d.cur.Length) - len(d.payload)
	if chunk := p[n:]; len(chunk) > rest {
		p = chunk[:rest]
	} else {
		p = chunk
	}
	d.payload = append(d.payload, p...)
	n += len(p)

	if len(d.payload) < int(d.cur.Length) {
		return Frame{}, false, n, nil
	}

	frame = Frame{
		Flags:   d.cur.Flags,
		Command: d.cur.Command,
		Sync:    d.cur.Sync,
		Payload: d.payload,
	}
	d.reset()
	return frame, true, n, nil
}

// Buffered returns the number of bytes of an incomplete frame held by the
// decoder.
func (d *Decoder) Buffered() int {
	if !d.inBody {
		return d.hdrLen
	}
	return HeaderLength + len(d.payload)
}

func (d *Decoder) reset() {
	d.hdrLen = 0
	d.inBody = false
	d.payload = nil
	d.cur = Header{}
}
