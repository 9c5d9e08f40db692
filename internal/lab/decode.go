package lab

import (
	"encoding/json"
	"fmt"
)

// WithDefaults fills the empty-but-present defaults of an environment.
func (e Environment) WithDefaults() Environment {
	if e.AttachedTools == nil {
		e.AttachedTools = []string{}
	}
	return e
}

// decode validates raw against kind and unmarshals the validated value into
// out.
func decode(kind Kind, raw []byte, out interface{}) error {
	v, err := parse(kind, raw)
	if err != nil {
		return err
	}
	return decodeValue(kind, v, out)
}

func decodeValue(kind Kind, v interface{}, out interface{}) error {
	cv, err := check(kind, v)
	if err != nil {
		return err
	}
	b, err := json.Marshal(cv)
	if err != nil {
		return fmt.Errorf("re-encode %s: %w", kind, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

// DecodeStepRequest validates and decodes a step request body.
func DecodeStepRequest(raw []byte) (StepRequest, error) {
	var req StepRequest
	if err := decode(KindStepRequest, raw, &req); err != nil {
		return StepRequest{}, err
	}
	req.Env = req.Env.WithDefaults()
	if req.History == nil {
		req.History = []ActionRecord{}
	}
	return req, nil
}

// DecodePostActionValue decodes an already-parsed JSON value. The value is
// validated first, so every returned error is a *ValidationError or a
// re-encoding failure.
func DecodePostActionValue(v interface{}) (PostAction, error) {
	var pa PostAction
	if err := decodeValue(KindPostAction, v, &pa); err != nil {
		return PostAction{}, err
	}
	return pa, nil
}

func DecodeSetup(raw []byte) (Setup, error) {
	var s Setup
	if err := decode(KindSetup, raw, &s); err != nil {
		return Setup{}, err
	}
	return s, nil
}

func DecodeTimeline(raw []byte) (Timeline, error) {
	var tl Timeline
	if err := decode(KindTimeline, raw, &tl); err != nil {
		return Timeline{}, err
	}
	for id, env := range tl.Environments {
		tl.Environments[id] = env.WithDefaults()
	}
	if tl.History == nil {
		tl.History = []ActionRecord{}
	}
	return tl, nil
}
