//go:build go_ra_ssl_disable
// +build go_ra_ssl_disable

package ra

import (
	"errors"
	"net"
	"time"
)

func sslDialTimeout(network, address string, timeout time.Duration,
	opts SslOpts) (connection net.Conn, err error) {
	return nil, errors.New("SSL support is disabled.")
}

func sslListen(network, address string, opts SslOpts) (net.Listener, error) {
	return nil, errors.New("SSL support is disabled.")
}

func sslCreateContext(opts SslOpts) (ctx interface{}, err error) {
	return nil, errors.New("SSL support is disabled.")
}
