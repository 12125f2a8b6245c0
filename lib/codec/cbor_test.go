// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type windowRecord struct {
	Hits    []time.Time   `cbor:"hits"`
	Window  time.Duration `cbor:"window"`
	Comment string        `cbor:"comment,omitempty"`
}

type requestEnvelope struct {
	Command  string         `json:"command"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func TestTimesSurviveRoundTripWithNanoseconds(t *testing.T) {
	first := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	original := windowRecord{
		Hits:   []time.Time{first, first.Add(time.Nanosecond)},
		Window: 60 * time.Second,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded windowRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if len(decoded.Hits) != 2 {
		t.Fatalf("decoded %d hits, want 2", len(decoded.Hits))
	}
	for i := range original.Hits {
		if !decoded.Hits[i].Equal(original.Hits[i]) {
			t.Errorf("Hits[%d] = %v, want %v", i, decoded.Hits[i], original.Hits[i])
		}
	}
	if decoded.Window != original.Window {
		t.Errorf("Window = %v, want %v", decoded.Window, original.Window)
	}
}

func TestMarshalDeterministicMapOrder(t *testing.T) {
	a := requestEnvelope{Command: "shoutout", Metadata: map[string]any{"b": 2, "a": 1, "c": "x"}}
	b := requestEnvelope{Command: "shoutout", Metadata: map[string]any{"c": "x", "a": 1, "b": 2}}

	first, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("equal values produced different encodings")
	}
}

func TestMetadataDecodesAsStringMap(t *testing.T) {
	data, err := Marshal(requestEnvelope{
		Command:  "so",
		Metadata: map[string]any{"nested": map[string]any{"k": "v"}},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded requestEnvelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.Metadata["nested"].(map[string]any); !ok {
		t.Errorf("nested metadata decoded as %T, want map[string]any", decoded.Metadata["nested"])
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, command := range []string{"a", "b"} {
		if err := encoder.Encode(requestEnvelope{Command: command}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for _, want := range []string{"a", "b"} {
		var got requestEnvelope
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Command != want {
			t.Errorf("Command = %q, want %q", got.Command, want)
		}
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]int{"limit": 5})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"limit": 5`) {
		t.Errorf("Diagnose = %q, want it to contain %q", diagnostic, `"limit": 5`)
	}
}
