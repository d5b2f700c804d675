// Package datetime carries timestamps in request and response payloads
// as a MessagePack extension.
//
// Importing the package registers the extension for Datetime values, e.g.
// timestamp columns returned by query commands.
package datetime

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Datetime MessagePack serialization schema is an MP_EXT extension, which
// creates container of 8 or 16 bytes long payload.
//
//	+---------+--------+===============+-------------------------------+
//	|0xd7/0xd8|type (3)| seconds (8b)  | nsec; tzoffset; tzindex; (8b) |
//	+---------+--------+===============+-------------------------------+
//
// MessagePack data encoded using fixext8 (0xd7) or fixext16 (0xd8), and may
// contain:
//
// * [required] seconds parts as full, unencoded, signed 64-bit integer,
// stored in little-endian order;
//
// * [optional] all the other fields (nsec, tzoffset, tzindex) if any of them
// were having not 0 value. They are packed naturally in little-endian order;

// ExtID represents the datetime MessagePack extension type identifier.
const ExtID = 3

// Size of datetime fields in a MessagePack value.
const (
	secondsSize  = 8
	nsecSize     = 4
	tzOffsetSize = 2
	tzIndexSize  = 2
)

const maxSize = secondsSize + nsecSize + tzOffsetSize + tzIndexSize

// Datetime is a point in time with a fixed timezone offset. Zone names are
// not carried, a decoded value has an unnamed fixed zone.
type Datetime struct {
	time time.Time
}

// NewDatetime returns a Datetime that contains a specified time.Time.
// The offset of t must be a whole number of minutes.
func NewDatetime(t time.Time) (Datetime, error) {
	if _, offset := t.Zone(); offset%60 != 0 {
		return Datetime{}, fmt.Errorf("timezone offset %ds is not a whole number of minutes", offset)
	}
	return Datetime{time: t}, nil
}

// MustNewDatetime is NewDatetime which panics on error.
func MustNewDatetime(t time.Time) Datetime {
	dt, err := NewDatetime(t)
	if err != nil {
		panic(err)
	}
	return dt
}

// ToTime returns a time.Time that Datetime contains.
func (dt Datetime) ToTime() time.Time {
	return dt.time
}

func (dt Datetime) String() string {
	return dt.time.Format(time.RFC3339Nano)
}

func (dt Datetime) marshal() []byte {
	_, offset := dt.time.Zone()
	var (
		seconds  = dt.time.Unix()
		nsec     = int32(dt.time.Nanosecond())
		tzOffset = int16(offset / 60)
	)

	size := secondsSize
	if nsec != 0 || tzOffset != 0 {
		size = maxSize
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(seconds))
	if size == maxSize {
		binary.LittleEndian.PutUint32(buf[secondsSize:], uint32(nsec))
		binary.LittleEndian.PutUint16(buf[secondsSize+nsecSize:], uint16(tzOffset))
		// Zone index is reserved, always 0.
	}
	return buf
}

func unmarshal(b []byte) (Datetime, error) {
	if len(b) != maxSize && len(b) != secondsSize {
		return Datetime{}, fmt.Errorf("invalid data length: got %d, wanted %d or %d",
			len(b), secondsSize, maxSize)
	}
	var (
		seconds  = int64(binary.LittleEndian.Uint64(b))
		nsec     int32
		tzOffset int16
	)
	if len(b) == maxSize {
		nsec = int32(binary.LittleEndian.Uint32(b[secondsSize:]))
		tzOffset = int16(binary.LittleEndian.Uint16(b[secondsSize+nsecSize:]))
	}
	if nsec < 0 || nsec >= int32(time.Second) {
		return Datetime{}, fmt.Errorf("invalid nanoseconds %d", nsec)
	}

	t := time.Unix(seconds, int64(nsec)).UTC()
	if tzOffset != 0 {
		t = t.In(time.FixedZone("", int(tzOffset)*60))
	}
	return Datetime{time: t}, nil
}

// EncodeExt encodes a Datetime into a MessagePack extension.
func EncodeExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	return v.Interface().(Datetime).marshal(), nil
}

// DecodeExt decodes a MessagePack extension into a Datetime.
func DecodeExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != maxSize && extLen != secondsSize {
		return fmt.Errorf("msgpack: unexpected datetime length %d", extLen)
	}
	b := make([]byte, extLen)
	n, err := d.Buffered().Read(b)
	if err != nil {
		return fmt.Errorf("msgpack: can't read bytes on datetime decode: %w", err)
	}
	if n < extLen {
		return fmt.Errorf("msgpack: unexpected end of stream after %d datetime bytes", n)
	}

	dt, err := unmarshal(b)
	if err != nil {
		return fmt.Errorf("msgpack: %w", err)
	}
	v.Set(reflect.ValueOf(dt))
	return nil
}

func init() {
	msgpack.RegisterExtEncoder(ExtID, Datetime{}, EncodeExt)
	msgpack.RegisterExtDecoder(ExtID, Datetime{}, DecodeExt)
}
