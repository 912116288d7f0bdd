// Package action defines the structured action record extracted from VLM
// responses, the parser that extracts it, and the coordinate mapping from
// model-normalized space to screen pixels.
package action

import (
	"errors"
	"fmt"
)

// Type enumerates the action kinds the model may emit.
type Type string

// Action types.
const (
	TypeClick       Type = "CLICK"
	TypeDoubleClick Type = "DOUBLE_CLICK"
	TypeRightClick  Type = "RIGHT_CLICK"
	TypeType        Type = "TYPE"
	TypeScroll      Type = "SCROLL"
	TypeKey         Type = "KEY"
	TypeMove        Type = "MOVE"
	TypeDrag        Type = "DRAG"
	TypeWait        Type = "WAIT"
	TypeDone        Type = "DONE"
	TypeFail        Type = "FAIL"
)

// Sentinel errors.
var (
	ErrNoEnvelope = errors.New("no well-formed action envelope in response")
	ErrInvalid    = errors.New("invalid action envelope")
)

// Point is a coordinate pair in the model's normalized [0,1000] space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detail carries the per-type payload of an envelope. Each variant holds
// exactly the fields its action type needs.
type Detail interface {
	isDetail()
}

// PointerDetail targets a single screen location (CLICK, DOUBLE_CLICK,
// RIGHT_CLICK, MOVE, and DRAG, which moves from the current pointer
// position).
type PointerDetail struct {
	Target Point
}

// TypeDetail carries text to be typed.
type TypeDetail struct {
	Text string
}

// ScrollDetail carries scroll distance (positive scrolls down) and an
// optional location to scroll at.
type ScrollDetail struct {
	Amount int
	Target *Point
}

// KeyDetail carries keyboard chord tokens ("ctrl+s", "enter").
type KeyDetail struct {
	Keys []string
}

// WaitDetail pauses the loop for a bounded duration.
type WaitDetail struct {
	DurationMS int
}

// TerminalDetail marks DONE and FAIL envelopes; the verdict text lives in
// the envelope's Rationale.
type TerminalDetail struct{}

func (PointerDetail) isDetail()  {}
func (TypeDetail) isDetail()     {}
func (ScrollDetail) isDetail()   {}
func (KeyDetail) isDetail()      {}
func (WaitDetail) isDetail()     {}
func (TerminalDetail) isDetail() {}

// Envelope is one validated action record.
type Envelope struct {
	Type       Type
	Confidence float64
	Rationale  string
	Detail     Detail

	// Clamped is set when an out-of-range target was pulled back into
	// [0,1000] during validation; callers emit a warning event for it.
	Clamped bool
}

// Pointer reports whether the action targets a screen location.
func (t Type) Pointer() bool {
	switch t {
	case TypeClick, TypeDoubleClick, TypeRightClick, TypeMove, TypeDrag:
		return true
	}
	return false
}

// Terminal reports whether the action ends the task.
func (t Type) Terminal() bool {
	return t == TypeDone || t == TypeFail
}

// Target returns the pointer target for pointer actions.
func (e *Envelope) Target() (Point, bool) {
	if d, ok := e.Detail.(PointerDetail); ok {
		return d.Target, true
	}
	if d, ok := e.Detail.(ScrollDetail); ok && d.Target != nil {
		return *d.Target, true
	}
	return Point{}, false
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s(conf=%.2f)", e.Type, e.Confidence)
}
