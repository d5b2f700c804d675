package ra

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	KeyStatus  = 0x00
	KeyBody    = 0x01
	KeyMessage = 0x02
)

// Response is a result of a command.
//
// A server encodes Body. A client receives the body as raw msgpack and
// decodes it with Decode or DecodeTyped.
type Response struct {
	Status  StatusCode
	Body    interface{}
	Message string

	sync uint32
	raw  msgpack.RawMessage
}

// OK creates a successful response with a body.
func OK(body interface{}) Response {
	return Response{Status: StatusOK, Body: body}
}

// Errorf creates a response with the status and a formatted message.
func Errorf(status StatusCode, format string, args ...interface{}) Response {
	return Response{Status: status, Message: fmt.Sprintf(format, args...)}
}

// ErrorResponse creates a response for an error returned by a handler.
// A status is chosen by StatusFromError.
func ErrorResponse(err error) Response {
	return Response{Status: StatusFromError(err), Message: err.Error()}
}

// Sync returns an id of a request the response belongs to.
func (resp *Response) Sync() uint32 {
	return resp.sync
}

// Err returns ServerError for a response with a non-ok status.
func (resp *Response) Err() error {
	if resp.Status == StatusOK {
		return nil
	}
	return ServerError{Status: resp.Status, Msg: resp.Message}
}

// Decode decodes a received body into untyped value.
func (resp *Response) Decode() (interface{}, error) {
	if resp.raw == nil {
		return resp.Body, nil
	}
	var v interface{}
	if err := newDecoder(bytes.NewReader(resp.raw)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeTyped decodes a received body into a given container res.
func (resp *Response) DecodeTyped(res interface{}) error {
	if resp.raw == nil {
		if resp.Body == nil {
			return nil
		}
		data, err := marshal(resp.Body)
		if err != nil {
			return err
		}
		return unmarshal(data, res)
	}
	return unmarshal(resp.raw, res)
}

func (resp *Response) encode(enc *encoder) error {
	n := 2
	if resp.Message != "" {
		n++
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}
	if err := enc.EncodeUint(KeyStatus); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(resp.Status)); err != nil {
		return err
	}
	if err := enc.EncodeUint(KeyBody); err != nil {
		return err
	}
	if err := enc.Encode(resp.Body); err != nil {
		return err
	}
	if resp.Message != "" {
		if err := enc.EncodeUint(KeyMessage); err != nil {
			return err
		}
		return enc.EncodeString(resp.Message)
	}
	return nil
}

// encodeResponseFrame packs a response. If the body can't be encoded an
// internal error response is packed instead.
func encodeResponseFrame(cmd CommandID, sync uint32, resp Response) Frame {
	var buf bytes.Buffer
	enc := newEncoder(&buf)
	enc.UseCompactInts(true)
	if err := resp.encode(enc); err != nil {
		buf.Reset()
		fallback := Errorf(StatusInternal, "encode response: %s", err)
		// A response without a body can't fail to encode.
		_ = fallback.encode(enc)
	}
	return Frame{
		Flags:   FlagResponse,
		Command: cmd,
		Sync:    sync,
		Payload: buf.Bytes(),
	}
}

var errBadResponse = errors.New("response is not a map")

func decodeResponse(frame Frame) (*Response, error) {
	resp := &Response{sync: frame.Sync}
	dec := newDecoder(bytes.NewReader(frame.Payload))
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if !msgpackIsMap(code) {
		return nil, errBadResponse
	}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	for ; n > 0; n-- {
		key, err := dec.DecodeUint()
		if err != nil {
			return nil, err
		}
		switch key {
		case KeyStatus:
			status, err := dec.DecodeUint16()
			if err != nil {
				return nil, err
			}
			resp.Status = StatusCode(status)
		case KeyBody:
			if resp.raw, err = dec.DecodeRaw(); err != nil {
				return nil, err
			}
		case KeyMessage:
			if resp.Message, err = dec.DecodeString(); err != nil {
				return nil, err
			}
		default:
			if err = dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}
