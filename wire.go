// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package wsrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType is the leading integer tag of a frame.
type MessageType int

const (
	MessageCall   MessageType = 2 // a method invocation
	MessageResult MessageType = 3 // a successful response
	MessageError  MessageType = 4 // a failed response
)

func (m MessageType) String() string {
	switch m {
	case MessageCall:
		return "CALL"
	case MessageResult:
		return "CALLRESULT"
	case MessageError:
		return "CALLERROR"
	default:
		return fmt.Sprintf("TYPE:%d", int(m))
	}
}

var emptyObject = json.RawMessage(`{}`)

// A Frame is the parsed form of one wire message, a JSON array of 4, 3,
// or 5 elements depending on its type:
//
//	[2, id, method, params]                      CALL
//	[3, id, result]                              CALLRESULT
//	[4, id, code, description, details]          CALLERROR
//
// Payload holds the params of a CALL or the result of a CALLRESULT.
// Code, Description, and Details are populated only for CALLERROR.
type Frame struct {
	Type        MessageType
	ID          string
	Method      string          // CALL only
	Payload     json.RawMessage // CALL params or CALLRESULT result
	Code        ErrorCode       // CALLERROR only
	Description string          // CALLERROR only
	Details     json.RawMessage // CALLERROR only
}

// ParseFrame decodes one wire message. A failure to decode reports a
// *MalformedError describing what was wrong with the message.
func ParseFrame(data []byte) (*Frame, error) {
	var elts []json.RawMessage
	if err := json.Unmarshal(data, &elts); err != nil || len(elts) == 0 {
		return nil, &MalformedError{Code: RpcFrameworkError, Reason: "message is not a JSON array"}
	}

	var mtype int
	if err := json.Unmarshal(elts[0], &mtype); err != nil {
		return nil, &MalformedError{Code: RpcFrameworkError, Reason: "message type is not an integer"}
	}

	f := &Frame{Type: MessageType(mtype)}
	var wantLen int
	switch f.Type {
	case MessageCall:
		wantLen = 4
	case MessageResult:
		wantLen = 3
	case MessageError:
		wantLen = 5
	default:
		return nil, &MalformedError{
			Code:   MessageTypeNotSupported,
			Reason: fmt.Sprintf("unsupported message type %d", mtype),
		}
	}
	if len(elts) != wantLen {
		return nil, &MalformedError{
			Code:   RpcFrameworkError,
			Reason: fmt.Sprintf("%v message has %d elements, want %d", f.Type, len(elts), wantLen),
		}
	}

	if err := json.Unmarshal(elts[1], &f.ID); err != nil || f.ID == "" {
		return nil, &MalformedError{Code: ProtocolError, Reason: "message ID is not a non-empty string"}
	}

	switch f.Type {
	case MessageCall:
		if err := json.Unmarshal(elts[2], &f.Method); err != nil {
			return nil, &MalformedError{Code: ProtocolError, Reason: "method is not a string"}
		}
		if !isObject(elts[3]) {
			return nil, &MalformedError{Code: ProtocolError, Reason: "params is not an object"}
		}
		f.Payload = elts[3]

	case MessageResult:
		if !isObject(elts[2]) {
			return nil, &MalformedError{Code: ProtocolError, Reason: "result is not an object"}
		}
		f.Payload = elts[2]

	case MessageError:
		var code string
		if err := json.Unmarshal(elts[2], &code); err != nil || !ErrorCode(code).Known() {
			return nil, &MalformedError{Code: ProtocolError, Reason: "unrecognized error code"}
		}
		f.Code = ErrorCode(code)
		if err := json.Unmarshal(elts[3], &f.Description); err != nil {
			return nil, &MalformedError{Code: ProtocolError, Reason: "error description is not a string"}
		}
		if !isObject(elts[4]) {
			return nil, &MalformedError{Code: ProtocolError, Reason: "error details is not an object"}
		}
		f.Details = elts[4]
	}
	return f, nil
}

// isObject reports whether raw is a JSON object.
func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}

// Encode renders f as a wire message. A nil payload encodes as an empty
// object, so a frame is always well formed on the wire.
func (f *Frame) Encode() []byte {
	var elts []any
	switch f.Type {
	case MessageCall:
		elts = []any{int(f.Type), f.ID, f.Method, orEmpty(f.Payload)}
	case MessageResult:
		elts = []any{int(f.Type), f.ID, orEmpty(f.Payload)}
	case MessageError:
		elts = []any{int(f.Type), f.ID, string(f.Code), f.Description, orEmpty(f.Details)}
	default:
		panic(fmt.Sprintf("encoding invalid message type %d", int(f.Type)))
	}
	data, err := json.Marshal(elts)
	if err != nil {
		panic(fmt.Errorf("encoding frame: %w", err))
	}
	return data
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyObject
	}
	return raw
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	switch f.Type {
	case MessageCall:
		return fmt.Sprintf("CALL(ID=%s, Method=%q, %s)", f.ID, f.Method, previewJSON(f.Payload))
	case MessageResult:
		return fmt.Sprintf("CALLRESULT(ID=%s, %s)", f.ID, previewJSON(f.Payload))
	case MessageError:
		return fmt.Sprintf("CALLERROR(ID=%s, Code=%s, %q)", f.ID, f.Code, f.Description)
	default:
		return fmt.Sprintf("FRAME(Type=%d, ID=%s)", int(f.Type), f.ID)
	}
}

func previewJSON(raw json.RawMessage) string {
	const max = 40
	if len(raw) == 0 {
		return "{}"
	}
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
