package ra

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// compressFrame packs the payload as an lz4 frame if it is larger than
// threshold. A zero threshold disables compression.
func compressFrame(f Frame, threshold int) (Frame, error) {
	if threshold <= 0 || len(f.Payload) <= threshold {
		return f, nil
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(f.Payload); err != nil {
		return f, err
	}
	if err := zw.Close(); err != nil {
		return f, err
	}
	// Incompressible payloads are sent as is.
	if buf.Len() >= len(f.Payload) {
		return f, nil
	}
	f.Flags |= FlagCompressed
	f.Payload = buf.Bytes()
	return f, nil
}

// decompressFrame unpacks a compressed payload. An unpacked payload larger
// than maxPayload is rejected.
func decompressFrame(f Frame, maxPayload uint32) (Frame, error) {
	if f.Flags&FlagCompressed == 0 {
		return f, nil
	}
	zr := lz4.NewReader(bytes.NewReader(f.Payload))
	data, err := io.ReadAll(io.LimitReader(zr, int64(maxPayload)+1))
	if err != nil {
		return f, &MalformedFrameError{Reason: fmt.Sprintf("decompress payload: %s", err)}
	}
	if uint64(len(data)) > uint64(maxPayload) {
		return f, &MalformedFrameError{
			Reason: fmt.Sprintf("decompressed payload exceeds limit %d", maxPayload),
		}
	}
	f.Flags &^= FlagCompressed
	f.Payload = data
	return f, nil
}
