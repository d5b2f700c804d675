// Package decimal carries exact decimal numbers in request and response
// payloads.
//
// A Decimal is packed as a MessagePack extension with ExtID holding the
// canonical string form of the number, so no precision is lost on the wire
// or when the value came from a NUMERIC database column.
package decimal

import (
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// ExtID represents the decimal MessagePack extension type identifier.
const ExtID = 1

// maxDigits bounds a decoded number to keep a malicious payload from
// allocating huge big.Int values.
const maxDigits = 1000

type Decimal struct {
	decimal.Decimal
}

// MakeDecimal creates a new Decimal from a decimal.Decimal.
func MakeDecimal(decimal decimal.Decimal) Decimal {
	return Decimal{Decimal: decimal}
}

// MakeDecimalFromString creates a new Decimal from a string.
func MakeDecimalFromString(src string) (Decimal, error) {
	result := Decimal{}
	dec, err := decimal.NewFromString(src)
	if err != nil {
		return result, err
	}
	result = MakeDecimal(dec)
	return result, nil
}

// EncodeExt encodes a Decimal into a MessagePack extension.
func EncodeExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	dec := v.Interface().(Decimal)
	return []byte(dec.String()), nil
}

// DecodeExt decodes a MessagePack extension into a Decimal.
func DecodeExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen > maxDigits {
		return fmt.Errorf("msgpack: decimal of %d bytes is too long", extLen)
	}
	b := make([]byte, extLen)
	if _, err := d.Buffered().Read(b); err != nil {
		return fmt.Errorf("msgpack: can't read bytes on decimal decode: %w", err)
	}
	dec, err := decimal.NewFromString(string(b))
	if err != nil {
		return fmt.Errorf("msgpack: can't decode decimal %q: %w", b, err)
	}
	v.Set(reflect.ValueOf(MakeDecimal(dec)))
	return nil
}

func init() {
	msgpack.RegisterExtEncoder(ExtID, Decimal{}, EncodeExt)
	msgpack.RegisterExtDecoder(ExtID, Decimal{}, DecodeExt)
}
