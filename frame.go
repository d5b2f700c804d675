package ra

// Frame is a single protocol message: a header and an opaque payload.
type Frame struct {
	Flags   byte
	Command CommandID
	Sync    uint32
	Payload []byte
}

// Header returns a header describing the frame.
func (f Frame) Header() Header {
	return Header{
		Flags:   f.Flags,
		Command: f.Command,
		Sync:    f.Sync,
		Length:  uint32(len(f.Payload)),
	}
}

// IsResponse returns true if the frame travels from a server to a client.
func (f Frame) IsResponse() bool {
	return f.Flags&FlagResponse != 0
}

// EncodeFrame returns a wire representation of the frame.
func EncodeFrame(f Frame) []byte {
	return AppendFrame(make([]byte, 0, HeaderLength+len(f.Payload)), f)
}

// AppendFrame appends a wire representation of the frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var h [HeaderLength]byte
	f.Header().put(h[:])
	dst = append(dst, h[:]...)
	return append(dst, f.Payload...)
}
