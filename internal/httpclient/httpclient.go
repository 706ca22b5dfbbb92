// Package httpclient provides the *http.Client used for the login and
// change-log HTTP exchanges: a tuned transport plus a cookie jar, built once
// and shared across calls.
package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// New constructs an *http.Client with a transport tuned for a handful of
// long-lived, infrequent requests (login, change-log polling) rather than
// the high-fanout pool a scraping engine would need.
//
// - Keep-alives are left on so the poller's repeated GETs reuse one TCP
// connection instead of re-handshaking every LogUpdateInterval.
// - IdleConnTimeout evicts stale connections so the OS can reclaim sockets
// silently closed by the remote server.
// - TLSHandshakeTimeout bounds time spent on TLS negotiation.
// - A cookie jar is attached so the session id obtained at login (stored
// as a cookie by the Scratch site) is replayed automatically on
// subsequent requests that need it.
func New(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("httpclient: create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DisableKeepAlives: false,
		MaxIdleConns: 20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost: 20,
		IdleConnTimeout: 90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Jar: jar,
		Timeout: timeout,
	}, nil
}
