package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultRequestTimeout = 120 * time.Second

var sharedTransport = sync.OnceValue(func() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
})

// SharedHTTPClient returns a client over the process-wide connection pool.
// Backends, fallbacks and web_search differ only in their timeout, so they
// reuse idle connections to the same hosts. timeout <= 0 means 120s.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &http.Client{Timeout: timeout, Transport: sharedTransport()}
}
