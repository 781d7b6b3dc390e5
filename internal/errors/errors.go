// Package errors provides structured error types for the shepherd supervisor.
// These errors provide context about what operation failed and where.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindSpawn
	KindUnknownSession
	KindInactiveSession
	KindOracleParse
	KindOracleTimeout
	KindInvalid
	KindIO
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn failed"
	case KindUnknownSession:
		return "unknown session"
	case KindInactiveSession:
		return "session not active"
	case KindOracleParse:
		return "oracle parse error"
	case KindOracleTimeout:
		return "oracle timeout"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "I/O error"
	case KindConfig:
		return "configuration error"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for shepherd.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Session lifecycle errors

func SpawnFailed(agentType string, err error) error {
	return E(Op("session.Spawn"), KindSpawn, fmt.Sprintf("failed to spawn %s agent", agentType), err)
}

func UnknownSession(op Op, id string) error {
	return E(op, KindUnknownSession, fmt.Sprintf("no session with id %s", id))
}

func InactiveSession(op Op, id string) error {
	return E(op, KindInactiveSession, fmt.Sprintf("session %s is no longer active", id))
}

// Oracle errors

func OracleParse(raw string, err error) error {
	return E(Op("oracle.Parse"), KindOracleParse, fmt.Sprintf("unparseable oracle reply (%d bytes)", len(raw)), err)
}

func OracleTimeout(elapsed time.Duration) error {
	return E(Op("oracle.Decide"), KindOracleTimeout, fmt.Sprintf("oracle did not reply within %s", elapsed))
}

// Config errors

func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigSaveFailed(path string, err error) error {
	return E(Op("config.Save"), KindConfig, fmt.Sprintf("failed to save config to %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}
