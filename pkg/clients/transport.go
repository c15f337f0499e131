package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport returns an HTTP transport for talking to a single local
// daemon at a steady poll rate: few connections, kept warm, short dial timeout.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     4,
		MaxIdleConnsPerHost: 2,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   2 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
	}
}
