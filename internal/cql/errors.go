package cql

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode is a native protocol error code
type ErrorCode int32

const (
	CodeServerError     ErrorCode = 0x0000
	CodeProtocolError   ErrorCode = 0x000A
	CodeBadCredentials  ErrorCode = 0x0100
	CodeUnavailable     ErrorCode = 0x1000
	CodeOverloaded      ErrorCode = 0x1001
	CodeIsBootstrapping ErrorCode = 0x1002
	CodeTruncateError   ErrorCode = 0x1003
	CodeWriteTimeout    ErrorCode = 0x1100
	CodeReadTimeout     ErrorCode = 0x1200
	CodeReadFailure     ErrorCode = 0x1300
	CodeFunctionFailure ErrorCode = 0x1400
	CodeWriteFailure    ErrorCode = 0x1500
	CodeSyntaxError     ErrorCode = 0x2000
	CodeUnauthorized    ErrorCode = 0x2100
	CodeInvalid         ErrorCode = 0x2200
	CodeConfigError     ErrorCode = 0x2300
	CodeAlreadyExists   ErrorCode = 0x2400
	CodeUnprepared      ErrorCode = 0x2500
)

var codeNames = map[ErrorCode]string{
	CodeServerError:     "server error",
	CodeProtocolError:   "protocol error",
	CodeBadCredentials:  "bad credentials",
	CodeUnavailable:     "unavailable",
	CodeOverloaded:      "overloaded",
	CodeIsBootstrapping: "is bootstrapping",
	CodeTruncateError:   "truncate error",
	CodeWriteTimeout:    "write timeout",
	CodeReadTimeout:     "read timeout",
	CodeReadFailure:     "read failure",
	CodeFunctionFailure: "function failure",
	CodeWriteFailure:    "write failure",
	CodeSyntaxError:     "syntax error",
	CodeUnauthorized:    "unauthorized",
	CodeInvalid:         "invalid",
	CodeConfigError:     "config error",
	CodeAlreadyExists:   "already exists",
	CodeUnprepared:      "unprepared",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error 0x%04x", int32(c))
}

var (
	// ErrNoHostAvailable matches every HostUnavailableError via errors.Is
	ErrNoHostAvailable = errors.New("no host available")
	ErrSessionClosed   = errors.New("session is closed")
)

// HostUnavailableError reports that no node could serve a request.
// Errors holds the last failure seen per node address.
type HostUnavailableError struct {
	Errors map[string]error
}

func (e *HostUnavailableError) Error() string {
	if len(e.Errors) == 0 {
		return ErrNoHostAvailable.Error() + ": no hosts are up"
	}
	hosts := make([]string, 0, len(e.Errors))
	for host := range e.Errors {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	parts := make([]string, 0, len(hosts))
	for _, host := range hosts {
		parts = append(parts, fmt.Sprintf("%s: %v", host, e.Errors[host]))
	}
	return fmt.Sprintf("%s (tried %s)", ErrNoHostAvailable, strings.Join(parts, "; "))
}

func (e *HostUnavailableError) Is(target error) bool {
	return target == ErrNoHostAvailable
}

// ConnectionError is a transport failure talking to one node
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is a server read/write timeout or a request that saw no response in time
type TimeoutError struct {
	Host     string
	Code     ErrorCode // CodeReadTimeout, CodeWriteTimeout, or 0 for a client side timeout
	Message  string
	Received int32
	BlockFor int32
}

func (e *TimeoutError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("request to %s timed out: %s", e.Host, e.Message)
	}
	return fmt.Sprintf("%s on %s (received %d of %d): %s", e.Code, e.Host, e.Received, e.BlockFor, e.Message)
}

// IsWrite reports whether the timeout happened on a write path
func (e *TimeoutError) IsWrite() bool {
	return e.Code == CodeWriteTimeout
}

// QueryError is a server rejection of the request itself; retrying does not help
type QueryError struct {
	Host    string
	Code    ErrorCode
	Message string
}

func (e *QueryError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s from %s: %s", e.Code, e.Host, e.Message)
}

// NodeError is a failure local to the coordinator (overloaded, bootstrapping,
// internal error); another node may succeed
type NodeError struct {
	Host    string
	Code    ErrorCode
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s from %s: %s", e.Code, e.Host, e.Message)
}

// UnpreparedError means the coordinator no longer knows a prepared id
type UnpreparedError struct {
	Host    string
	ID      []byte
	Message string
}

func (e *UnpreparedError) Error() string {
	return fmt.Sprintf("statement %x is not prepared on %s: %s", e.ID, e.Host, e.Message)
}

// PrepareError wraps a failure to prepare a query
type PrepareError struct {
	Query string
	Err   error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("failed to prepare %q: %v", e.Query, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

// IsSyntaxError reports whether err carries a syntax or invalid-query rejection
func IsSyntaxError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && (qe.Code == CodeSyntaxError || qe.Code == CodeInvalid)
}
