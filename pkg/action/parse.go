package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// The model is prompted to answer with a single JSON object, optionally
// inside a ```json fence:
//
//	{"type": "CLICK", "target": {"x": 512, "y": 340},
//	 "confidence": 0.92, "rationale": "the Save button"}
//
// Fields: type, target (in [0,1000] normalized space), text, amount, keys,
// duration_ms, confidence, rationale. Reasoning prose around the object is
// ignored. When a response contains several objects, the last well-formed
// envelope wins.
type wireEnvelope struct {
	Type       string      `json:"type"`
	Target     *wireTarget `json:"target,omitempty"`
	Text       string      `json:"text,omitempty"`
	Amount     *int        `json:"amount,omitempty"`
	Keys       []string    `json:"keys,omitempty"`
	DurationMS *int        `json:"duration_ms,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
}

// wireTarget accepts both coordinate shapes models emit: the prompted
// {"x": nx, "y": ny} object and the [nx, ny] array. Serialization always
// uses the array form.
type wireTarget struct {
	p Point
}

func (t *wireTarget) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		if obj.X == nil || obj.Y == nil {
			return fmt.Errorf("target object requires x and y")
		}
		t.p = Point{X: *obj.X, Y: *obj.Y}
		return nil
	}
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("target must be [x, y], got %d components", len(arr))
	}
	t.p = Point{X: arr[0], Y: arr[1]}
	return nil
}

func (t wireTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal([]float64{t.p.X, t.p.Y})
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// Parse extracts and validates the action envelope from raw model output.
// Fenced blocks are tried first; when none yields an envelope the text is
// scanned for bare JSON objects. Returns ErrNoEnvelope when nothing
// well-formed is found.
func Parse(raw string) (*Envelope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response", ErrNoEnvelope)
	}

	var last *Envelope

	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		if env := tryDecodeAll(m[1]); env != nil {
			last = env
		}
	}
	if last == nil {
		if env := tryDecodeAll(raw); env != nil {
			last = env
		}
	}

	if last == nil {
		return nil, ErrNoEnvelope
	}
	return last, nil
}

// tryDecodeAll scans text for JSON objects and returns the last one that
// validates as an envelope.
func tryDecodeAll(text string) *Envelope {
	var last *Envelope
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var wire wireEnvelope
		if err := dec.Decode(&wire); err != nil {
			continue
		}
		env, err := fromWire(&wire)
		if err != nil {
			// Well-formed JSON but not a valid envelope; skip past it.
			i += int(dec.InputOffset()) - 1
			continue
		}
		last = env
		i += int(dec.InputOffset()) - 1
	}
	return last
}

// fromWire converts the raw JSON fields into a typed envelope, enforcing
// the per-type required fields and value ranges.
func fromWire(w *wireEnvelope) (*Envelope, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(w.Type)))

	env := &Envelope{Type: t, Rationale: w.Rationale}

	if w.Confidence == nil {
		return nil, fmt.Errorf("%w: missing confidence", ErrInvalid)
	}
	env.Confidence = *w.Confidence
	if env.Confidence < 0 || env.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, env.Confidence)
	}

	target, hasTarget, clamped := parseTarget(w.Target)
	env.Clamped = clamped

	switch t {
	case TypeClick, TypeDoubleClick, TypeRightClick, TypeMove, TypeDrag:
		if !hasTarget {
			return nil, fmt.Errorf("%w: %s requires target", ErrInvalid, t)
		}
		env.Detail = PointerDetail{Target: target}
	case TypeType:
		if w.Text == "" {
			return nil, fmt.Errorf("%w: TYPE requires text", ErrInvalid)
		}
		env.Detail = TypeDetail{Text: w.Text}
	case TypeScroll:
		if w.Amount == nil {
			return nil, fmt.Errorf("%w: SCROLL requires amount", ErrInvalid)
		}
		d := ScrollDetail{Amount: *w.Amount}
		if hasTarget {
			d.Target = &target
		}
		env.Detail = d
	case TypeKey:
		if len(w.Keys) == 0 {
			return nil, fmt.Errorf("%w: KEY requires keys", ErrInvalid)
		}
		env.Detail = KeyDetail{Keys: w.Keys}
	case TypeWait:
		d := WaitDetail{DurationMS: 500}
		if w.DurationMS != nil {
			d.DurationMS = *w.DurationMS
		}
		if d.DurationMS <= 0 {
			return nil, fmt.Errorf("%w: WAIT requires positive duration_ms", ErrInvalid)
		}
		env.Detail = d
	case TypeDone, TypeFail:
		if w.Rationale == "" {
			return nil, fmt.Errorf("%w: %s requires rationale", ErrInvalid, t)
		}
		env.Detail = TerminalDetail{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, w.Type)
	}

	return env, nil
}

// parseTarget clamps out-of-range components into [0,1000] rather than
// rejecting them.
func parseTarget(raw *wireTarget) (Point, bool, bool) {
	if raw == nil {
		return Point{}, false, false
	}
	p := raw.p
	clamped := false
	if p.X < 0 || p.X > NormalizedMax {
		p.X = clampFloat(p.X, 0, NormalizedMax)
		clamped = true
	}
	if p.Y < 0 || p.Y > NormalizedMax {
		p.Y = clampFloat(p.Y, 0, NormalizedMax)
		clamped = true
	}
	return p, true, clamped
}

// Serialize renders an envelope in the canonical wire form. Tests rely on
// Parse(Serialize(e)) == e.
func Serialize(e *Envelope) string {
	w := wireEnvelope{
		Type:       string(e.Type),
		Confidence: &e.Confidence,
		Rationale:  e.Rationale,
	}
	switch d := e.Detail.(type) {
	case PointerDetail:
		w.Target = &wireTarget{p: d.Target}
	case TypeDetail:
		w.Text = d.Text
	case ScrollDetail:
		w.Amount = &d.Amount
		if d.Target != nil {
			w.Target = &wireTarget{p: *d.Target}
		}
	case KeyDetail:
		w.Keys = d.Keys
	case WaitDetail:
		w.DurationMS = &d.DurationMS
	}
	out, _ := json.Marshal(w)
	return string(out)
}
