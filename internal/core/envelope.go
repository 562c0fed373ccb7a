package core

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ProgramEnvelope is the JSON document an ephemeral agent writes to stdout.
// The runner parses it after the container exits; anything that does not
// decode into this shape is surfaced as invalid_envelope.
type ProgramEnvelope struct {
	Payloads []ProgramPayload `json:"payloads"`
	Meta     ProgramMeta      `json:"meta"`
}

type ProgramPayload struct {
	Text string `json:"text"`
}

type ProgramMeta struct {
	Error      *string `json:"error"`
	DurationMs float64 `json:"durationMs"`
}

// ProgramOutcome is the parsed result of an envelope: either the agent's
// text or the agent-reported error. Exactly one variant per envelope.
type ProgramOutcome interface{ programOutcome() }

// TextOutcome is a successful envelope's concatenated payload text.
type TextOutcome struct{ Text string }

// ErrorOutcome is an envelope whose meta.error was non-null.
type ErrorOutcome struct{ Message string }

func (TextOutcome) programOutcome()  {}
func (ErrorOutcome) programOutcome() {}

// ParseEnvelope decodes stdout into a ProgramEnvelope. The contract allows
// either a single JSON document or a single JSON line surrounded by other
// output; the last well-formed JSON object line wins in the latter case so
// agents may log freely before emitting the envelope.
func ParseEnvelope(stdout []byte) (*ProgramEnvelope, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, NewRunError(KindInvalidEnvelope, "empty stdout", nil)
	}

	var env ProgramEnvelope
	if err := strictDecode(trimmed, &env); err == nil {
		return &env, nil
	}

	// Fall back to line scanning: pick the last line that decodes.
	lines := strings.Split(string(trimmed), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := strictDecode([]byte(line), &env); err == nil {
			return &env, nil
		}
	}
	return nil, NewRunError(KindInvalidEnvelope, "stdout is not a program envelope", nil)
}

// Outcome resolves the envelope into its tagged variant.
func (e *ProgramEnvelope) Outcome() ProgramOutcome {
	if e.Meta.Error != nil && *e.Meta.Error != "" {
		return ErrorOutcome{Message: *e.Meta.Error}
	}
	var b strings.Builder
	for _, p := range e.Payloads {
		b.WriteString(p.Text)
	}
	return TextOutcome{Text: b.String()}
}

// strictDecode rejects trailing garbage and documents that both "payloads"
// and "meta" must be present.
func strictDecode(data []byte, env *ProgramEnvelope) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var raw struct {
		Payloads *[]ProgramPayload `json:"payloads"`
		Meta     *ProgramMeta      `json:"meta"`
	}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if dec.More() {
		return NewRunError(KindInvalidEnvelope, "trailing data after envelope", nil)
	}
	if raw.Payloads == nil || raw.Meta == nil {
		return NewRunError(KindInvalidEnvelope, "envelope missing payloads or meta", nil)
	}
	env.Payloads = *raw.Payloads
	env.Meta = *raw.Meta
	return nil
}
