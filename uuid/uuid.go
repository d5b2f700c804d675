// Package uuid carries UUIDs in request and response payloads as a
// 16 byte MessagePack extension.
//
// Importing the package registers the extension for github.com/google/uuid
// values, e.g. connection ids returned by server commands.
package uuid

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ExtID represents the UUID MessagePack extension type identifier.
const ExtID = 2

const uuidLen = 16

// EncodeExt encodes a UUID into a MessagePack extension.
func EncodeExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	u := v.Interface().(uuid.UUID)
	return u.MarshalBinary()
}

// DecodeExt decodes a MessagePack extension into a UUID.
func DecodeExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != uuidLen {
		return fmt.Errorf("msgpack: unexpected uuid length %d", extLen)
	}
	bytes := make([]byte, uuidLen)

	n, err := d.Buffered().Read(bytes)
	if err != nil {
		return fmt.Errorf("msgpack: can't read bytes on uuid decode: %w", err)
	}
	if n < uuidLen {
		return fmt.Errorf("msgpack: unexpected end of stream after %d uuid bytes", n)
	}

	id, err := uuid.FromBytes(bytes)
	if err != nil {
		return fmt.Errorf("msgpack: can't create uuid from bytes: %w", err)
	}

	v.Set(reflect.ValueOf(id))
	return nil
}

func init() {
	msgpack.RegisterExtEncoder(ExtID, uuid.UUID{}, EncodeExt)
	msgpack.RegisterExtDecoder(ExtID, uuid.UUID{}, DecodeExt)
}
