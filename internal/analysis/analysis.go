// Package analysis talks to the image-understanding service and turns its
// replies into a bounded, sanitized set of findings.
package analysis

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrServiceUnavailable marks failures that mean the service cannot be used
// at all: unreachable, timed out, rejected credentials, unknown model
var ErrServiceUnavailable = errors.New("analysis service unavailable")

// Request is one exchange with the service
type Request struct {
	System string
	User   string
	// Images are PNG rasters attached to the user message
	Images [][]byte
}

// Analyzer sends a request and returns the service's text reply. It must
// honour ctx cancellation.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

// IsFatal reports whether err means the service is unusable rather than a
// one-off failure for a single image
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
