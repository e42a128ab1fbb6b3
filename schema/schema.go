// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

// Package schema validates call payloads against JSON Schemas keyed by
// subprotocol, method, and message direction.
//
// A Validator holds the compiled schemas for one subprotocol. A Registry
// is an immutable set of validators keyed by subprotocol, shared by all
// peers configured from it.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// Direction distinguishes the two payloads of a call exchange.
type Direction int

const (
	Request  Direction = iota // CALL params
	Response                  // CALLRESULT payload
)

func (d Direction) String() string {
	if d == Request {
		return "request"
	}
	return "response"
}

// A MethodSchema holds the raw request and response schemas for one
// method. Either side may be nil when the direction is unconstrained.
type MethodSchema struct {
	Request  json.RawMessage
	Response json.RawMessage
}

// ErrNoSchema is reported by Validate when the validator has no schema
// registered for the requested method and direction.
var ErrNoSchema = errors.New("no schema for method")

// A Failure describes the first schema violation found in a payload.
type Failure struct {
	Keyword      string // the failing JSON Schema keyword, e.g. "required"
	InstancePath string // location of the offending value in the payload
	Message      string
}

// Error satisfies the error interface.
func (f *Failure) Error() string {
	if f.InstancePath == "" {
		return fmt.Sprintf("schema violation (%s): %s", f.Keyword, f.Message)
	}
	return fmt.Sprintf("schema violation (%s) at %s: %s", f.Keyword, f.InstancePath, f.Message)
}

// A Validator validates payloads for the methods of one subprotocol.
// A Validator is immutable after construction and safe for concurrent
// use by any number of peers.
type Validator struct {
	subprotocol string
	compiled    map[string]*jsonschema.Schema
}

// NewValidator compiles the given method schemas for a subprotocol.
// Compilation failures are reported at construction time.
func NewValidator(subprotocol string, methods map[string]MethodSchema) (*Validator, error) {
	if subprotocol == "" {
		return nil, errors.New("empty subprotocol name")
	}
	compiler := jsonschema.NewCompiler()
	v := &Validator{
		subprotocol: subprotocol,
		compiled:    make(map[string]*jsonschema.Schema),
	}
	add := func(method string, dir Direction, raw json.RawMessage) error {
		if len(raw) == 0 {
			return nil
		}
		s, err := compiler.Compile(raw)
		if err != nil {
			return fmt.Errorf("compile %s %s schema: %w", method, dir, err)
		}
		v.compiled[schemaKey(method, dir)] = s
		return nil
	}
	for method, ms := range methods {
		if err := add(method, Request, ms.Request); err != nil {
			return nil, err
		}
		if err := add(method, Response, ms.Response); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Subprotocol reports the subprotocol the validator covers.
func (v *Validator) Subprotocol() string { return v.subprotocol }

func schemaKey(method string, dir Direction) string { return method + "\x00" + dir.String() }

// Validate checks payload against the schema for the given method and
// direction. It returns nil on success, ErrNoSchema if no schema is
// registered for that method and direction, or a *Failure describing the
// first violation found.
func (v *Validator) Validate(dir Direction, method string, payload json.RawMessage) error {
	s, ok := v.compiled[schemaKey(method, dir)]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoSchema, method, dir)
	}

	var value any
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(payload, &value); err != nil {
		return &Failure{Keyword: "type", Message: "payload is not valid JSON"}
	}

	result := s.Validate(value)
	if result.IsValid() {
		return nil
	}
	if f := firstFailure(result); f != nil {
		return f
	}
	return &Failure{Message: "payload does not conform to schema"}
}

// firstFailure walks the evaluation tree to the deepest node carrying a
// keyword error, which is the most specific description of what failed.
func firstFailure(r *jsonschema.EvaluationResult) *Failure {
	if r == nil {
		return nil
	}
	for _, d := range r.Details {
		if d.Valid {
			continue
		}
		if f := firstFailure(d); f != nil {
			return f
		}
	}
	for keyword, err := range r.Errors {
		return &Failure{
			Keyword:      keyword,
			InstancePath: r.InstanceLocation,
			Message:      err.Message,
		}
	}
	return nil
}

// A Registry maps subprotocol names to validators. It is immutable after
// construction.
type Registry struct {
	vs map[string]*Validator
}

// NewRegistry builds a registry from the given validators. Registering
// two validators for the same subprotocol is an error.
func NewRegistry(vs ...*Validator) (*Registry, error) {
	r := &Registry{vs: make(map[string]*Validator, len(vs))}
	for _, v := range vs {
		if _, ok := r.vs[v.subprotocol]; ok {
			return nil, fmt.Errorf("duplicate validator for subprotocol %q", v.subprotocol)
		}
		r.vs[v.subprotocol] = v
	}
	return r, nil
}

// With returns a copy of r extended with the given validators. Later
// validators override earlier ones for the same subprotocol.
func (r *Registry) With(vs ...*Validator) *Registry {
	out := &Registry{vs: make(map[string]*Validator, len(r.vs)+len(vs))}
	for k, v := range r.vs {
		out.vs[k] = v
	}
	for _, v := range vs {
		out.vs[v.subprotocol] = v
	}
	return out
}

// Lookup returns the validator for a subprotocol, if one is registered.
func (r *Registry) Lookup(subprotocol string) (*Validator, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.vs[subprotocol]
	return v, ok
}

// Conventional subprotocol identifiers for the OCPP-J transport
// versions. The registry attaches no built-in schemas to these; they are
// exported so configurations can refer to them by name.
const (
	OCPP16  = "ocpp1.6"
	OCPP20  = "ocpp2.0"
	OCPP201 = "ocpp2.0.1"
)
