// Copyright (C) 2026 The wsrpc Authors. All Rights Reserved.

package schema_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/wattbus/wsrpc/schema"
)

const heartbeatResponse = `{
	"type": "object",
	"properties": {
		"currentTime": {"type": "string"}
	},
	"required": ["currentTime"],
	"additionalProperties": false
}`

const meterValuesRequest = `{
	"type": "object",
	"properties": {
		"connectorId": {"type": "integer", "minimum": 0},
		"transactionId": {"type": "integer"},
		"values": {"type": "array", "minItems": 1}
	},
	"required": ["connectorId", "values"],
	"additionalProperties": false
}`

func newValidator(t *testing.T) *schema.Validator {
	t.Helper()
	v, err := schema.NewValidator("ocpp1.6", map[string]schema.MethodSchema{
		"Heartbeat":   {Request: json.RawMessage(`{"type":"object","additionalProperties":false}`), Response: json.RawMessage(heartbeatResponse)},
		"MeterValues": {Request: json.RawMessage(meterValuesRequest)},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidate(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name        string
		dir         schema.Direction
		method      string
		payload     string
		wantKeyword string // "" for success
	}{
		{"heartbeat-ok", schema.Request, "Heartbeat", `{}`, ""},
		{"heartbeat-extra", schema.Request, "Heartbeat", `{"x":1}`, "additionalProperties"},
		{"response-ok", schema.Response, "Heartbeat", `{"currentTime":"2024-01-01T00:00:00Z"}`, ""},
		{"response-missing", schema.Response, "Heartbeat", `{}`, "required"},
		{"response-wrong-type", schema.Response, "Heartbeat", `{"currentTime":17}`, "type"},
		{"meter-ok", schema.Request, "MeterValues", `{"connectorId":1,"values":[{"v":1}]}`, ""},
		{"meter-minimum", schema.Request, "MeterValues", `{"connectorId":-1,"values":[{}]}`, "minimum"},
		{"meter-min-items", schema.Request, "MeterValues", `{"connectorId":1,"values":[]}`, "minItems"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.dir, tc.method, json.RawMessage(tc.payload))
			if tc.wantKeyword == "" {
				if err != nil {
					t.Fatalf("Validate: unexpected error: %v", err)
				}
				return
			}
			var fail *schema.Failure
			if !errors.As(err, &fail) {
				t.Fatalf("Validate: got error %[1]T (%[1]v), want *Failure", err)
			}
			if fail.Keyword != tc.wantKeyword {
				t.Errorf("Keyword: got %q, want %q", fail.Keyword, tc.wantKeyword)
			}
			t.Logf("Failure: %v", fail)
		})
	}
}

func TestValidateNoSchema(t *testing.T) {
	v := newValidator(t)

	// MeterValues has no response schema registered.
	err := v.Validate(schema.Response, "MeterValues", json.RawMessage(`{}`))
	if !errors.Is(err, schema.ErrNoSchema) {
		t.Errorf("Validate: got %v, want ErrNoSchema", err)
	}
	err = v.Validate(schema.Request, "NoSuchMethod", json.RawMessage(`{}`))
	if !errors.Is(err, schema.ErrNoSchema) {
		t.Errorf("Validate: got %v, want ErrNoSchema", err)
	}
}

func TestValidatorCompileFailure(t *testing.T) {
	_, err := schema.NewValidator("p", map[string]schema.MethodSchema{
		"Broken": {Request: json.RawMessage(`{"type": 17`)},
	})
	if err == nil {
		t.Error("NewValidator: invalid schema unexpectedly accepted")
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	v16 := newValidator(t)

	reg, err := schema.NewRegistry(v16)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.Lookup("ocpp1.6"); !ok {
		t.Error("Lookup(ocpp1.6): not found")
	}
	if _, ok := reg.Lookup("ocpp2.0.1"); ok {
		t.Error("Lookup(ocpp2.0.1): unexpectedly found")
	}

	// Duplicate registration is rejected.
	if _, err := schema.NewRegistry(v16, v16); err == nil {
		t.Error("NewRegistry: duplicate subprotocol unexpectedly accepted")
	}

	// With extends without mutating the original.
	v2, err := schema.NewValidator("ocpp2.0.1", nil)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ext := reg.With(v2)
	if _, ok := ext.Lookup("ocpp2.0.1"); !ok {
		t.Error("extended Lookup(ocpp2.0.1): not found")
	}
	if _, ok := reg.Lookup("ocpp2.0.1"); ok {
		t.Error("With mutated the original registry")
	}
}

func TestNilRegistryLookup(t *testing.T) {
	var reg *schema.Registry
	if _, ok := reg.Lookup("anything"); ok {
		t.Error("nil registry Lookup unexpectedly succeeded")
	}
}
