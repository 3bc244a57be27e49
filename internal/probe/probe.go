// Package probe tests whether server endpoints are reachable over the
// gateway's transports.
package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Timeout for the entire probe operation
	Timeout time.Duration

	// Payload is written after the channel opens. When set, the probe
	// waits for the first reply and counts it in the RTT.
	Payload []byte

	// ReadBuffer bounds the reply read.
	ReadBuffer int
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Endpoint that was probed
	Endpoint protocol.Endpoint

	// DialTime is how long the channel took to open.
	DialTime time.Duration

	// RTT is the write to first reply time. Zero without a payload.
	RTT time.Duration

	// Reply is the first reply read, if any.
	Reply []byte

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe dials ep through reg and, if opts.Payload is set, exchanges one
// message.
func Probe(ctx context.Context, reg *transport.Registry, ep protocol.Endpoint, opts Options) *Result {
	result := &Result{Endpoint: ep}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 4096
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := reg.Dial(ctx, ep)
	if err != nil {
		return result.fail(err)
	}
	defer conn.Close()
	result.DialTime = time.Since(start)

	if len(opts.Payload) == 0 {
		result.Success = true
		return result
	}

	// Channels have no read deadline; closing the conn unblocks Read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	start = time.Now()
	if _, err := conn.Write(opts.Payload); err != nil {
		return result.fail(err)
	}
	buf := make([]byte, opts.ReadBuffer)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return result.fail(err)
	}
	result.RTT = time.Since(start)
	result.Reply = buf[:n]
	result.Success = true
	return result
}

func (r *Result) fail(err error) *Result {
	r.Error = err
	r.ErrorDetail = classifyError(err)
	return r
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	if errors.Is(err, transport.ErrNoDialer) {
		return "Transport not enabled in channels.transports"
	}

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if strings.Contains(errStr, "connection refused") {
			return "Connection refused - server not running or port blocked"
		}
		if strings.Contains(errStr, "no route to host") {
			return "No route to host - network unreachable"
		}
		if strings.Contains(errStr, "network is unreachable") {
			return "Network unreachable"
		}
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Timed out - firewall may be blocking or the server did not reply"
	}

	// TLS errors
	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		return "TLS handshake failed - " + err.Error()
	}

	return err.Error()
}
