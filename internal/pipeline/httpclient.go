package pipeline

import (
	"net/http"
	"time"
)

// NewPooledHTTPClient builds the client shared by backend calls. Keep-alive
// connections are pooled per host so bursts of concurrent turns reuse sockets
// instead of redialing the same collaborator.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolSize,
		IdleConnTimeout:       60 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
