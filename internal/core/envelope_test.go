package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeSingleDocument(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"payloads":[{"text":"hello"}],"meta":{"error":null,"durationMs":42}}`))
	require.NoError(t, err)
	require.Len(t, env.Payloads, 1)
	assert.Equal(t, "hello", env.Payloads[0].Text)
	assert.Nil(t, env.Meta.Error)
	assert.Equal(t, 42.0, env.Meta.DurationMs)

	outcome := env.Outcome()
	text, ok := outcome.(TextOutcome)
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)
}

func TestParseEnvelopeConcatenatesPayloads(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"payloads":[{"text":"foo"},{"text":"bar"}],"meta":{"error":null,"durationMs":1}}`))
	require.NoError(t, err)
	assert.Equal(t, TextOutcome{Text: "foobar"}, env.Outcome())
}

func TestParseEnvelopeLastJSONLineWins(t *testing.T) {
	stdout := "booting agent...\n" +
		"fetching model\n" +
		`{"payloads":[{"text":"done"}],"meta":{"error":null,"durationMs":10}}` + "\n"
	env, err := ParseEnvelope([]byte(stdout))
	require.NoError(t, err)
	assert.Equal(t, TextOutcome{Text: "done"}, env.Outcome())
}

func TestParseEnvelopeAgentError(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"payloads":[],"meta":{"error":"model refused","durationMs":5}}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorOutcome{Message: "model refused"}, env.Outcome())
}

func TestParseEnvelopeMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"not json":        "plain text output",
		"missing meta":    `{"payloads":[{"text":"x"}]}`,
		"missing fields":  `{"something":"else"}`,
		"truncated":       `{"payloads":[{"text":"x"}],"meta":{"error":null`,
		"array top level": `[{"text":"x"}]`,
	}
	for name, stdout := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(stdout))
			require.Error(t, err)
			var re *RunError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, KindInvalidEnvelope, re.Kind)
		})
	}
}

func TestGraphRunRequestValidate(t *testing.T) {
	msg := "hi"
	valid := GraphRunRequest{
		RunID:   "r1",
		Attempt: 0,
		GraphID: "sandbox:agent",
		Message: &msg,
		Caller:  Caller{BillingAccountID: "b1"},
		Limits:  Limits{MaxRuntimeSec: 30, MaxMemoryMB: 256},
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.RunID = " "
	assert.Equal(t, KindInvalidRequest, KindOf(bad.Validate()))

	bad = valid
	bad.Attempt = -1
	assert.Equal(t, KindInvalidRequest, KindOf(bad.Validate()))

	bad = valid
	bad.GraphID = ""
	assert.Equal(t, KindInvalidRequest, KindOf(bad.Validate()))

	bad = valid
	bad.Caller.BillingAccountID = ""
	assert.Equal(t, KindInvalidRequest, KindOf(bad.Validate()))
}
