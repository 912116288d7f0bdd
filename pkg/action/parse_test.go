package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFencedEnvelope(t *testing.T) {
	raw := "I can see the Save button in the toolbar.\n" +
		"```json\n" +
		`{"type": "CLICK", "target": [512, 340], "confidence": 0.92, "rationale": "the Save button"}` +
		"\n```\n"

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeClick, env.Type)
	assert.InDelta(t, 0.92, env.Confidence, 1e-9)
	target, ok := env.Target()
	require.True(t, ok)
	assert.InDelta(t, 512, target.X, 1e-9)
	assert.InDelta(t, 340, target.Y, 1e-9)
	assert.False(t, env.Clamped)
}

func TestParseObjectFormTarget(t *testing.T) {
	// Models are prompted with the {"x", "y"} shape; the [x, y] array is
	// accepted as well. Both must land on the same point.
	tests := []struct {
		name string
		raw  string
	}{
		{"object", `{"type": "CLICK", "target": {"x": 500, "y": 300}, "confidence": 0.9, "rationale": "why"}`},
		{"array", `{"type": "CLICK", "target": [500, 300], "confidence": 0.9, "rationale": "why"}`},
		{"fenced object", "```json\n" +
			`{"type": "CLICK", "target": {"x": 500, "y": 300}, "confidence": 0.9, "rationale": "why"}` +
			"\n```"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, TypeClick, env.Type)
			target, ok := env.Target()
			require.True(t, ok)
			assert.InDelta(t, 500, target.X, 1e-9)
			assert.InDelta(t, 300, target.Y, 1e-9)
		})
	}
}

func TestParseObjectFormScrollTarget(t *testing.T) {
	env, err := Parse(`{"type": "SCROLL", "amount": 2, "target": {"x": 100, "y": 200}, "confidence": 0.9, "rationale": "x"}`)
	require.NoError(t, err)
	d, ok := env.Detail.(ScrollDetail)
	require.True(t, ok)
	require.NotNil(t, d.Target)
	assert.InDelta(t, 200, d.Target.Y, 1e-9)
}

func TestParseBareJSON(t *testing.T) {
	raw := `The field is focused, so I will type. {"type": "TYPE", "text": "hello", "confidence": 0.85, "rationale": "enter the query"}`

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeType, env.Type)
	assert.Equal(t, TypeDetail{Text: "hello"}, env.Detail)
}

func TestParseLastEnvelopeWins(t *testing.T) {
	raw := `{"type": "CLICK", "target": [100, 100], "confidence": 0.7, "rationale": "first guess"}` +
		" Actually, the menu is further down: " +
		`{"type": "CLICK", "target": [100, 900], "confidence": 0.9, "rationale": "corrected"}`

	env, err := Parse(raw)
	require.NoError(t, err)
	target, _ := env.Target()
	assert.InDelta(t, 900, target.Y, 1e-9)
	assert.Equal(t, "corrected", env.Rationale)
}

func TestParseEmptyResponse(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrNoEnvelope)

	_, err = Parse("   \n\t ")
	assert.ErrorIs(t, err, ErrNoEnvelope)
}

func TestParseFreeTextOnly(t *testing.T) {
	_, err := Parse("I am not sure what to do here; the screen looks empty.")
	assert.ErrorIs(t, err, ErrNoEnvelope)
}

func TestParseMalformedThenValid(t *testing.T) {
	raw := `{"type": "CLICK", "confidence": 0.9}` + // pointer without target
		`{"type": "DONE", "confidence": 1.0, "rationale": "task finished"}`

	env, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeDone, env.Type)
}

func TestParseRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"pointer without target", `{"type": "DOUBLE_CLICK", "confidence": 0.9, "rationale": "x"}`},
		{"type without text", `{"type": "TYPE", "confidence": 0.9, "rationale": "x"}`},
		{"key without keys", `{"type": "KEY", "confidence": 0.9, "rationale": "x"}`},
		{"scroll without amount", `{"type": "SCROLL", "confidence": 0.9, "rationale": "x"}`},
		{"done without rationale", `{"type": "DONE", "confidence": 0.9}`},
		{"fail without rationale", `{"type": "FAIL", "confidence": 0.9}`},
		{"missing confidence", `{"type": "WAIT", "duration_ms": 100, "rationale": "x"}`},
		{"confidence above one", `{"type": "WAIT", "duration_ms": 100, "confidence": 1.2, "rationale": "x"}`},
		{"unknown type", `{"type": "TELEPORT", "confidence": 0.9, "rationale": "x"}`},
		{"one-component target", `{"type": "CLICK", "target": [5], "confidence": 0.9, "rationale": "x"}`},
		{"target object missing y", `{"type": "CLICK", "target": {"x": 5}, "confidence": 0.9, "rationale": "x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.raw)
			assert.ErrorIs(t, err, ErrNoEnvelope)
		})
	}
}

func TestParseClampsOutOfRangeTarget(t *testing.T) {
	env, err := Parse(`{"type": "MOVE", "target": [-20, 1400], "confidence": 0.9, "rationale": "x"}`)
	require.NoError(t, err)
	assert.True(t, env.Clamped)
	target, _ := env.Target()
	assert.InDelta(t, 0, target.X, 1e-9)
	assert.InDelta(t, 1000, target.Y, 1e-9)
}

func TestParseCaseInsensitiveType(t *testing.T) {
	env, err := Parse(`{"type": "click", "target": [10, 10], "confidence": 0.9, "rationale": "x"}`)
	require.NoError(t, err)
	assert.Equal(t, TypeClick, env.Type)
}

func TestParseScrollWithTarget(t *testing.T) {
	env, err := Parse(`{"type": "SCROLL", "amount": -3, "target": [500, 500], "confidence": 0.9, "rationale": "scroll the list"}`)
	require.NoError(t, err)
	d, ok := env.Detail.(ScrollDetail)
	require.True(t, ok)
	assert.Equal(t, -3, d.Amount)
	require.NotNil(t, d.Target)
	assert.InDelta(t, 500, d.Target.X, 1e-9)
}

func TestSerializeRoundTrip(t *testing.T) {
	amount := -2
	envelopes := []*Envelope{
		{Type: TypeClick, Confidence: 0.92, Rationale: "button", Detail: PointerDetail{Target: Point{X: 5, Y: 998}}},
		{Type: TypeType, Confidence: 0.8, Rationale: "query", Detail: TypeDetail{Text: "hello world"}},
		{Type: TypeScroll, Confidence: 0.75, Rationale: "list", Detail: ScrollDetail{Amount: amount}},
		{Type: TypeKey, Confidence: 1, Rationale: "save", Detail: KeyDetail{Keys: []string{"ctrl+s"}}},
		{Type: TypeWait, Confidence: 0.9, Rationale: "loading", Detail: WaitDetail{DurationMS: 800}},
		{Type: TypeDone, Confidence: 1, Rationale: "finished", Detail: TerminalDetail{}},
		{Type: TypeFail, Confidence: 1, Rationale: "gave up", Detail: TerminalDetail{}},
	}
	for _, want := range envelopes {
		t.Run(string(want.Type), func(t *testing.T) {
			got, err := Parse(Serialize(want))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}
