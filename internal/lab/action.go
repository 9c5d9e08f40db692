package lab

import (
	"encoding/json"
	"fmt"
)

// ActionKind discriminates the Action sum type on the wire.
type ActionKind string

const (
	KindAdd  ActionKind = "add"
	KindHeat ActionKind = "heat"
	KindStir ActionKind = "stir"
)

// Action is a student action. The set of implementations is closed:
// AddAction, HeatAction and StirAction.
type Action interface {
	Kind() ActionKind
	// TargetID is the id of the environment the action applies to.
	TargetID() string
	isAction()
}

// AddAction pours or drops a material into an environment.
type AddAction struct {
	Material string    `json:"material"`
	Amount   ValueUnit `json:"amount"`
	Target   string    `json:"target"`
}

// HeatAction changes an environment's temperature by Delta or to To.
type HeatAction struct {
	Target string     `json:"target"`
	Delta  *ValueUnit `json:"delta,omitempty"`
	To     *ValueUnit `json:"to,omitempty"`
}

type StirIntensity string

const (
	StirLow    StirIntensity = "low"
	StirMedium StirIntensity = "medium"
	StirHigh   StirIntensity = "high"
)

// StirAction agitates an environment.
type StirAction struct {
	Target    string        `json:"target"`
	Duration  *ValueUnit    `json:"duration,omitempty"`
	Intensity StirIntensity `json:"intensity,omitempty"`
}

func (AddAction) Kind() ActionKind  { return KindAdd }
func (HeatAction) Kind() ActionKind { return KindHeat }
func (StirAction) Kind() ActionKind { return KindStir }

func (a AddAction) TargetID() string  { return a.Target }
func (a HeatAction) TargetID() string { return a.Target }
func (a StirAction) TargetID() string { return a.Target }

func (AddAction) isAction()  {}
func (HeatAction) isAction() {}
func (StirAction) isAction() {}

// ActionEnvelope carries an Action through JSON, reading and writing the
// "type" discriminator.
type ActionEnvelope struct {
	Action
}

func (e ActionEnvelope) MarshalJSON() ([]byte, error) {
	if e.Action == nil {
		return []byte("null"), nil
	}
	switch a := e.Action.(type) {
	case AddAction:
		return json.Marshal(struct {
			Type ActionKind `json:"type"`
			AddAction
		}{KindAdd, a})
	case HeatAction:
		return json.Marshal(struct {
			Type ActionKind `json:"type"`
			HeatAction
		}{KindHeat, a})
	case StirAction:
		return json.Marshal(struct {
			Type ActionKind `json:"type"`
			StirAction
		}{KindStir, a})
	default:
		return nil, fmt.Errorf("unknown action %T", e.Action)
	}
}

func (e *ActionEnvelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ActionKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case KindAdd:
		var a AddAction
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		e.Action = a
	case KindHeat:
		var a HeatAction
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		e.Action = a
	case KindStir:
		var a StirAction
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		e.Action = a
	default:
		return fmt.Errorf("unknown action type %q", head.Type)
	}
	return nil
}
