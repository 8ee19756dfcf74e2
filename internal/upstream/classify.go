package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the failure taxonomy driving retry decisions.
type Kind string

const (
	KindNetworkUnavailable Kind = "network_unavailable"
	KindTimeout            Kind = "timeout"
	KindServerError        Kind = "server_error"
	KindClientError        Kind = "client_error"
	KindAborted            Kind = "aborted"
	KindUnknown            Kind = "unknown"
)

// Classification is the classifier's verdict on a raw failure.
// SuggestedDelay is non-zero only when the server named a delay
// (Retry-After header, gRPC RetryInfo detail); the executor uses it as
// a floor for the next backoff wait.
type Classification struct {
	Kind           Kind
	Retryable      bool
	SuggestedDelay time.Duration
}

// Classify maps a raw failure into the taxonomy. Pure function: no
// side effects, no logging, directly unit-testable.
//
// ClientError and Aborted are never retryable. Unknown is treated as
// retryable: idempotency keys make replaying an unidentified failure
// safe, and dropping it is not.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Retryable: false}
	}

	// Cancellation and deadlines first: wrapped transport errors often
	// carry these underneath.
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindAborted, Retryable: false}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout, Retryable: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr)
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		return classifyGRPC(s)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: KindTimeout, Retryable: true}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{Kind: KindNetworkUnavailable, Retryable: true}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ENETDOWN),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Classification{Kind: KindNetworkUnavailable, Retryable: true}
	}

	// Text-level fallback for transports that flatten their errors.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"network is down",
		"broken pipe",
	} {
		if strings.Contains(msg, pattern) {
			return Classification{Kind: KindNetworkUnavailable, Retryable: true}
		}
	}

	return Classification{Kind: KindUnknown, Retryable: true}
}

func classifyStatus(e *StatusError) Classification {
	switch {
	case e.Status == 408:
		return Classification{Kind: KindTimeout, Retryable: true, SuggestedDelay: e.RetryAfter}
	case e.Status == 429:
		// Rate limiting is transient; honor the server's pacing.
		return Classification{Kind: KindServerError, Retryable: true, SuggestedDelay: e.RetryAfter}
	case e.Status >= 400 && e.Status < 500:
		return Classification{Kind: KindClientError, Retryable: false}
	case e.Status >= 500:
		return Classification{Kind: KindServerError, Retryable: true, SuggestedDelay: e.RetryAfter}
	}
	return Classification{Kind: KindUnknown, Retryable: true}
}

func classifyGRPC(s *status.Status) Classification {
	c := Classification{SuggestedDelay: grpcRetryDelay(s)}
	switch s.Code() {
	case codes.Unavailable:
		c.Kind, c.Retryable = KindNetworkUnavailable, true
	case codes.DeadlineExceeded:
		c.Kind, c.Retryable = KindTimeout, true
	case codes.ResourceExhausted, codes.Internal, codes.DataLoss:
		c.Kind, c.Retryable = KindServerError, true
	case codes.Canceled, codes.Aborted:
		c.Kind, c.Retryable = KindAborted, false
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented:
		c.Kind, c.Retryable = KindClientError, false
	default:
		c.Kind, c.Retryable = KindUnknown, true
	}
	return c
}

// grpcRetryDelay extracts the RetryInfo detail servers attach to
// ResourceExhausted/Unavailable statuses.
func grpcRetryDelay(s *status.Status) time.Duration {
	for _, detail := range s.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return 0
}
