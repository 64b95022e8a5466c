// Package apierr normalizes remote API failures into a fixed set of kinds
// that front ends can react to without looking at transport details.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Kind string

const (
	KindNetwork          Kind = "NETWORK_ERROR"
	KindTimeout          Kind = "TIMEOUT_ERROR"
	KindBadImage         Kind = "BAD_IMAGE"
	KindBackendDown      Kind = "BACKEND_DOWN"
	KindInvalidResponse  Kind = "INVALID_RESPONSE"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindEmailNotVerified Kind = "EMAIL_NOT_VERIFIED"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindUnknown          Kind = "UNKNOWN"
)

// Flow tells apart the two ways a 401 can happen.
type Flow string

const (
	// FlowLogin is a credentials exchange; a 401 means bad credentials.
	FlowLogin Flow = "login"
	// FlowSession is any call made with a bearer token; a 401 means the
	// token is no longer valid.
	FlowSession Flow = "session"
	// FlowAnonymous calls carry no token.
	FlowAnonymous Flow = "anonymous"
)

type presentation struct {
	title    string
	message  string
	canRetry bool
	delay    time.Duration
}

var presentations = map[Kind]presentation{
	KindNetwork: {
		title:    "Connection Problem",
		message:  "Unable to connect to the server. Please check your internet connection and try again.",
		canRetry: true,
		delay:    2 * time.Second,
	},
	KindTimeout: {
		title:    "Request Timed Out",
		message:  "The server is taking longer than usual. This might be due to high traffic. Please try again.",
		canRetry: true,
		delay:    3 * time.Second,
	},
	KindBadImage: {
		title:   "Image Not Clear",
		message: "We couldn't identify a plant in this image. Please take a clear, well-lit photo of the plant leaves.",
	},
	KindBackendDown: {
		title:    "Service Temporarily Unavailable",
		message:  "Our servers are experiencing issues. Please try again in a few moments.",
		canRetry: true,
		delay:    5 * time.Second,
	},
	KindInvalidResponse: {
		title:    "Unexpected Response",
		message:  "We received an unexpected response from the server. Please try again.",
		canRetry: true,
		delay:    2 * time.Second,
	},
	KindUnauthorized: {
		title:   "Authentication Required",
		message: "Your session has expired. Please sign in again.",
	},
	KindEmailNotVerified: {
		title:   "Email Not Verified",
		message: "Please verify your email address before continuing. Check your inbox for the verification link.",
	},
	KindRateLimit: {
		title:    "Too Many Requests",
		message:  "You've made too many requests. Please wait a moment and try again.",
		canRetry: true,
		delay:    10 * time.Second,
	},
	KindUnknown: {
		title:    "Something Went Wrong",
		message:  "An unexpected error occurred. Please try again.",
		canRetry: true,
		delay:    2 * time.Second,
	},
}

// Error is a categorized API failure.
type Error struct {
	Kind       Kind
	Title      string
	Message    string
	CanRetry   bool
	RetryDelay time.Duration
	StatusCode int
	// Detail is the raw server-provided reason, if any.
	Detail string
	Op     string
	Flow   Flow
	// PaymentRequired marks a 402: free diagnoses are exhausted and the
	// account must be upgraded. Never retryable.
	PaymentRequired bool
	Err             error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind with its default presentation.
func New(op string, kind Kind) *Error {
	p, ok := presentations[kind]
	if !ok {
		kind = KindUnknown
		p = presentations[KindUnknown]
	}
	return &Error{
		Kind:       kind,
		Title:      p.title,
		Message:    p.message,
		CanRetry:   p.canRetry,
		RetryDelay: p.delay,
		Op:         op,
	}
}

func (e *Error) withCause(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) withFlow(f Flow) *Error {
	e.Flow = f
	return e
}

// FromTransport classifies an error returned by the HTTP transport.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(op, KindTimeout).withCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(op, KindTimeout).withCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return New(op, KindNetwork).withCause(err)
	}
	var urlErr *url.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return New(op, KindNetwork).withCause(err)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "network") || strings.Contains(lower, "connection") {
		return New(op, KindNetwork).withCause(err)
	}
	return New(op, KindUnknown).withCause(err)
}

// FromStatus classifies a non-2xx response. detail is the server reason
// extracted from the body, if any.
func FromStatus(op string, flow Flow, status int, detail string) *Error {
	var e *Error
	lower := strings.ToLower(detail)

	// the server's own reason wins over the status code
	switch {
	case IsBadImageText(lower) || (status == http.StatusBadRequest && strings.Contains(lower, "image")):
		e = New(op, KindBadImage)
	case status >= 500:
		e = New(op, KindBackendDown)
	case status == http.StatusForbidden || strings.Contains(lower, "verify your email") || strings.Contains(lower, "email not verified"):
		e = New(op, KindEmailNotVerified)
	case status == http.StatusUnauthorized:
		e = New(op, KindUnauthorized)
		if flow == FlowLogin {
			e.Title = "Sign In Failed"
			e.Message = "Incorrect email or password. Please try again."
		} else {
			e.Title = "Session Expired"
		}
	case status == http.StatusPaymentRequired:
		e = New(op, KindRateLimit)
		e.Title = "Free Scans Exhausted"
		e.Message = "You've used all your free diagnoses. Upgrade to continue scanning."
		e.CanRetry = false
		e.RetryDelay = 0
		e.PaymentRequired = true
	case status == http.StatusTooManyRequests:
		e = New(op, KindRateLimit)
	default:
		e = New(op, KindUnknown)
		if detail != "" {
			e.Message = detail
		}
	}

	e.StatusCode = status
	e.Detail = detail
	return e.withFlow(flow)
}

var badImagePhrases = []string{
	"no leaf",
	"no plant",
	"invalid image",
	"unable to detect",
	"low quality",
	"quality",
	"blurry",
	"diagnosis failed",
	"not visible",
	"no subject",
}

// IsBadImageText reports whether a server message says the image had
// nothing usable in it.
func IsBadImageText(s string) bool {
	s = strings.ToLower(s)
	for _, p := range badImagePhrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// BadImage builds a BAD_IMAGE error carrying the server's reason.
func BadImage(op, detail string) *Error {
	e := New(op, KindBadImage)
	e.Detail = detail
	return e
}

// InvalidResponse builds an INVALID_RESPONSE error for a malformed payload.
func InvalidResponse(op string, cause error) *Error {
	return New(op, KindInvalidResponse).withCause(cause)
}

// Unauthorized builds an UNAUTHORIZED error for a call made without a token.
func Unauthorized(op string) *Error {
	e := New(op, KindUnauthorized).withFlow(FlowSession)
	e.Message = "Please sign in to continue."
	return e
}

// As extracts the categorized error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown for uncategorized errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.CanRetry
	}
	return false
}

// IsUpgradeRequired reports the 402 "upgrade required" signal.
func IsUpgradeRequired(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindRateLimit && e.PaymentRequired
}

// IsSessionExpired reports a 401 on an authenticated call.
func IsSessionExpired(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindUnauthorized && e.Flow != FlowLogin
}

// IsInvalidCredentials reports a 401 on login or register.
func IsInvalidCredentials(err error) bool {
	e, ok := As(err)
	return ok && e.Kind == KindUnauthorized && e.Flow == FlowLogin
}

// IsTransient reports failures that mean "remote unreachable right now".
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindBackendDown:
		return true
	}
	return false
}
