package redact

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSanitize_NestedPassword(t *testing.T) {
	payload := map[string]any{
		"user": map[string]any{
			"name": "alice",
			"credentials": map[string]any{
				"password": "hunter2",
				"visible":  "ok",
			},
		},
		"note": "plain",
	}

	got := Sanitize(payload, DefaultPolicy())

	// The original must be untouched.
	creds := payload["user"].(map[string]any)["credentials"].(map[string]any)
	if creds["password"] != "hunter2" {
		t.Fatal("Sanitize mutated its input")
	}

	out := got.(map[string]any)
	gotCreds := out["user"].(map[string]any)["credentials"].(map[string]any)
	if gotCreds["password"] != Marker {
		t.Errorf("password: expected %q, got %v", Marker, gotCreds["password"])
	}
	if gotCreds["visible"] != "ok" {
		t.Errorf("visible: expected untouched, got %v", gotCreds["visible"])
	}
	if out["note"] != "plain" {
		t.Errorf("note: expected untouched, got %v", out["note"])
	}

	// The sensitive value must not appear anywhere in the output.
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("sensitive value leaked into sanitized output: %s", data)
	}
}

func TestSanitize_KeyVariants(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"Password", true},
		{"userPassword", true},
		{"api_key", true},
		{"apiKey", true},
		{"API-KEY", true},
		{"creditCardNumber", true},
		{"cvv", true},
		{"ssn", true},
		{"refreshToken", true},
		{"clientSecret", true},
		{"username", false},
		{"amount", false},
		{"description", false},
	}

	policy := DefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			in := map[string]any{tt.key: "value"}
			out := Sanitize(in, policy).(map[string]any)
			redacted := out[tt.key] == Marker
			if redacted != tt.want {
				t.Errorf("key %q: redacted=%v, want %v", tt.key, redacted, tt.want)
			}
		})
	}
}

func TestSanitize_GlobPattern(t *testing.T) {
	policy := &Policy{Patterns: []string{"card*number"}}
	if err := policy.Compile(); err != nil {
		t.Fatal(err)
	}

	in := map[string]any{
		"cardholdernumber": "4111",
		"cardcolor":        "blue",
	}
	out := Sanitize(in, policy).(map[string]any)
	if out["cardholdernumber"] != Marker {
		t.Error("glob pattern should redact cardholdernumber")
	}
	if out["cardcolor"] != "blue" {
		t.Error("cardcolor should pass through")
	}
}

func TestPolicy_CompileInvalidPattern(t *testing.T) {
	policy := &Policy{Patterns: []string{"[unclosed"}}
	if err := policy.Compile(); err == nil {
		t.Error("expected error for invalid glob pattern")
	}
}

func TestSanitize_Arrays(t *testing.T) {
	in := []any{
		map[string]any{"token": "abc", "id": 1},
		"scalar",
		[]any{map[string]any{"ssn": "123-45-6789"}},
	}

	out := Sanitize(in, DefaultPolicy()).([]any)
	if out[0].(map[string]any)["token"] != Marker {
		t.Error("token in array element should be redacted")
	}
	if out[1] != "scalar" {
		t.Error("scalar array element should pass through")
	}
	if out[2].([]any)[0].(map[string]any)["ssn"] != Marker {
		t.Error("ssn in nested array should be redacted")
	}
}

func TestSanitize_NonObjectInputs(t *testing.T) {
	for _, in := range []any{nil, "text", 42, 3.14, true} {
		if got := Sanitize(in, DefaultPolicy()); got != in {
			t.Errorf("Sanitize(%v): expected passthrough, got %v", in, got)
		}
	}
}

func TestSanitize_NilPolicyUsesDefault(t *testing.T) {
	out := Sanitize(map[string]any{"password": "x"}, nil).(map[string]any)
	if out["password"] != Marker {
		t.Error("nil policy should fall back to defaults")
	}
}
