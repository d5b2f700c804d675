package ra

import (
	"fmt"
	"net"
	"time"
)

const (
	dialTransportNone = ""
	dialTransportSsl  = "ssl"
)

// SslOpts is a way to configure ssl transport.
type SslOpts struct {
	// KeyFile is a path to a private SSL key file.
	KeyFile string
	// CertFile is a path to an SSL certificate file.
	CertFile string
	// CaFile is a path to a trusted certificate authorities (CA) file.
	// A server with CaFile requires client certificates.
	CaFile string
	// Ciphers is a colon-separated (:) list of SSL cipher suites the connection
	// can use.
	Ciphers string
}

// deadlineIO sets a deadline before every read or write of the wrapped
// connection. A zero timeout disables deadlines.
type deadlineIO struct {
	to time.Duration
	c  net.Conn
}

func (d *deadlineIO) Write(b []byte) (n int, err error) {
	if d.to > 0 {
		d.c.SetWriteDeadline(time.Now().Add(d.to))
	}
	n, err = d.c.Write(b)
	return
}

func (d *deadlineIO) Read(b []byte) (n int, err error) {
	if d.to > 0 {
		d.c.SetReadDeadline(time.Now().Add(d.to))
	}
	n, err = d.c.Read(b)
	return
}

func dial(address, transport string, timeout time.Duration, ssl SslOpts) (net.Conn, error) {
	network, address := parseAddress(address)
	switch transport {
	case dialTransportNone:
		return net.DialTimeout(network, address, timeout)
	case dialTransportSsl:
		return sslDialTimeout(network, address, timeout, ssl)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transport)
	}
}

// Listen announces on the address. The address is parsed the same way as
// for Connect. The "ssl" transport wraps the listener with OpenSSL.
func Listen(address, transport string, ssl SslOpts) (net.Listener, error) {
	network, address := parseAddress(address)
	switch transport {
	case dialTransportNone:
		return net.Listen(network, address)
	case dialTransportSsl:
		return sslListen(network, address, ssl)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transport)
	}
}

// parseAddress split address into network and address parts.
func parseAddress(address string) (string, string) {
	network := "tcp"
	addrLen := len(address)

	if addrLen > 0 && (address[0] == '.' || address[0] == '/') {
		network = "unix"
	} else if addrLen >= 7 && address[0:7] == "unix://" {
		network = "unix"
		address = address[7:]
	} else if addrLen >= 5 && address[0:5] == "unix:" {
		network = "unix"
		address = address[5:]
	} else if addrLen >= 6 && address[0:6] == "unix/:" {
		network = "unix"
		address = address[6:]
	} else if addrLen >= 6 && address[0:6] == "tcp://" {
		address = address[6:]
	} else if addrLen >= 4 && address[0:4] == "tcp:" {
		address = address[4:]
	}

	return network, address
}
