// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"encoding/json"
	"fmt"
)

// An ErrorCode identifies the failure category of a CALLERROR message.
// The vocabulary is fixed by the OCPP-J framing; values outside this set
// are rejected by the frame parser.
type ErrorCode string

const (
	GenericError                  ErrorCode = "GenericError"
	NotImplemented                ErrorCode = "NotImplemented"
	NotSupported                  ErrorCode = "NotSupported"
	InternalError                 ErrorCode = "InternalError"
	ProtocolError                 ErrorCode = "ProtocolError"
	SecurityError                 ErrorCode = "SecurityError"
	FormationViolation            ErrorCode = "FormationViolation"
	FormatViolation               ErrorCode = "FormatViolation"
	PropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	OccurenceConstraintViolation  ErrorCode = "OccurenceConstraintViolation" // historical spelling, the outbound default
	OccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	TypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	MessageTypeNotSupported       ErrorCode = "MessageTypeNotSupported"
	RpcFrameworkError             ErrorCode = "RpcFrameworkError"
)

var knownErrorCodes = map[ErrorCode]bool{
	GenericError:                  true,
	NotImplemented:                true,
	NotSupported:                  true,
	InternalError:                 true,
	ProtocolError:                 true,
	SecurityError:                 true,
	FormationViolation:            true,
	FormatViolation:               true,
	PropertyConstraintViolation:   true,
	OccurenceConstraintViolation:  true,
	OccurrenceConstraintViolation: true,
	TypeConstraintViolation:       true,
	MessageTypeNotSupported:       true,
	RpcFrameworkError:             true,
}

// Known reports whether c is in the wire vocabulary. Both spellings of
// the occurrence constraint code are accepted.
func (c ErrorCode) Known() bool { return knownErrorCodes[c] }

// An RPCError is the decoded payload of a CALLERROR message. It is also
// the concrete type of errors reported for failed calls, including the
// synthetic failures generated locally (timeout, disconnect, shutdown).
//
// A method handler may return an *RPCError to control the code, message,
// and details reported to the remote caller.
type RPCError struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage // a JSON object; nil encodes as {}
}

// Error satisfies the error interface.
func (e *RPCError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// details returns the error details, substituting an empty object for nil
// so the encoded frame always carries an object in the fifth position.
func (e *RPCError) details() json.RawMessage {
	if len(e.Details) == 0 {
		return emptyObject
	}
	return e.Details
}

// A MalformedError describes a message that could not be decoded as a
// frame. It records the wire-level code a peer would use to describe the
// failure, but no response is ever sent for a malformed message; the peer
// counts it against its bad-message budget instead.
type MalformedError struct {
	Code   ErrorCode // MessageTypeNotSupported, RpcFrameworkError, or ProtocolError
	Reason string
}

// Error satisfies the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// errorCodeForKeyword maps a failing JSON Schema keyword to the wire
// error code reported for the violation. Unrecognized keywords fall back
// to FormatViolation.
func errorCodeForKeyword(keyword string) ErrorCode {
	switch keyword {
	case "exclusiveMaximum", "exclusiveMinimum", "multipleOf",
		"maxItems", "minItems", "maxProperties", "minProperties",
		"additionalItems", "required":
		return OccurenceConstraintViolation
	case "pattern", "propertyNames", "additionalProperties":
		return PropertyConstraintViolation
	case "type":
		return TypeConstraintViolation
	default:
		// maximum, minimum, maxLength, minLength, and anything new.
		return FormatViolation
	}
}

// errTimeout is the synthetic failure delivered when a call's deadline
// expires before a response arrives.
func errTimeout() *RPCError {
	return &RPCError{Code: GenericError, Description: "Call timeout"}
}

// errDisconnected is the synthetic failure delivered to calls in flight
// when the connection is lost.
func errDisconnected() *RPCError {
	return &RPCError{Code: GenericError, Description: "Client disconnected"}
}

// errClosing is the synthetic failure delivered to calls in flight when
// the peer begins a close that does not await pending work.
func errClosing() *RPCError {
	return &RPCError{Code: GenericError, Description: "Client closing"}
}
