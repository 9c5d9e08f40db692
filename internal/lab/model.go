// Package lab defines the free-mode laboratory data model: environments,
// student actions, the PostAction diff produced for each step, and the
// schema validators that guard every boundary where these values enter the
// engine.
package lab

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ValueUnit is a numeric quantity tagged with an opaque unit ("mL", "°C", "g").
type ValueUnit struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (v ValueUnit) String() string {
	return fmt.Sprintf("%g %s", v.Value, v.Unit)
}

// Magnitude is a gas volume. The wire accepts either a bare number or a
// ValueUnit; the shape it was read in is the shape it is written back in.
type Magnitude struct {
	Value float64
	Unit  string
	// Tagged is true when the value carries a unit object.
	Tagged bool
}

func (m Magnitude) MarshalJSON() ([]byte, error) {
	if m.Tagged {
		return json.Marshal(ValueUnit{Value: m.Value, Unit: m.Unit})
	}
	return json.Marshal(m.Value)
}

func (m *Magnitude) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*m = Magnitude{Value: n}
		return nil
	}
	var vu ValueUnit
	if err := json.Unmarshal(data, &vu); err != nil {
		return fmt.Errorf("magnitude must be a number or {value, unit}: %w", err)
	}
	*m = Magnitude{Value: vu.Value, Unit: vu.Unit, Tagged: true}
	return nil
}

// Wire returns the magnitude in the shape it travels in, for event payloads.
func (m Magnitude) Wire() interface{} {
	if m.Tagged {
		return ValueUnit{Value: m.Value, Unit: m.Unit}
	}
	return m.Value
}

// Gas is a transient gas emission.
type Gas struct {
	Compound string     `json:"compound"`
	Volume   *Magnitude `json:"volume,omitempty"`
	Color    string     `json:"color,omitempty"`
}

// Sound is a transient sound effect; Intensity lies in [0,1].
type Sound struct {
	Name      string   `json:"name"`
	Intensity *float64 `json:"intensity,omitempty"`
}

// Instants are short-lived effects attached to an environment.
type Instants struct {
	Gas   *Gas   `json:"gas,omitempty"`
	Sound *Sound `json:"sound,omitempty"`
}

// Properties are the measurable properties of an environment.
type Properties struct {
	Temperature *ValueUnit `json:"temperature,omitempty"`
	PH          *float64   `json:"pH,omitempty"`
	Instants    *Instants  `json:"instants,omitempty"`
}

type Liquid struct {
	Volume ValueUnit `json:"volume"`
	Color  string    `json:"color,omitempty"`
}

type Solid struct {
	Mass  *ValueUnit `json:"mass,omitempty"`
	Color string     `json:"color,omitempty"`
}

type AqueousSpecies struct {
	Concentration ValueUnit `json:"concentration"`
}

// Contents maps substance names to their state within an environment.
type Contents struct {
	Liquids map[string]Liquid         `json:"liquids,omitempty"`
	Solids  map[string]Solid          `json:"solids,omitempty"`
	Aqueous map[string]AqueousSpecies `json:"aqueous,omitempty"`
}

// IsZero reports whether no mapping holds an entry.
func (c Contents) IsZero() bool {
	return len(c.Liquids) == 0 && len(c.Solids) == 0 && len(c.Aqueous) == 0
}

// Environment is a simulated vessel such as a beaker or flask.
type Environment struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Properties    Properties `json:"properties"`
	Contents      Contents   `json:"contents"`
	AttachedTools []string   `json:"attachedTools"`
}

// HasTool reports whether toolID is attached to the environment.
func (e Environment) HasTool(toolID string) bool {
	for _, id := range e.AttachedTools {
		if id == toolID {
			return true
		}
	}
	return false
}

// EnvironmentPatch is the partial environment carried by a PostAction. Only
// ID is mandatory; every other field is present only when it changed.
type EnvironmentPatch struct {
	ID            string      `json:"id"`
	Type          string      `json:"type,omitempty"`
	Properties    *Properties `json:"properties,omitempty"`
	Contents      *Contents   `json:"contents,omitempty"`
	AttachedTools []string    `json:"attachedTools,omitempty"`
}

// ToolUpdate is the new state of one attached tool. Keys other than reading
// and status are kept verbatim in Extra.
type ToolUpdate struct {
	Reading *float64
	Status  string
	Extra   map[string]json.RawMessage
}

func (t ToolUpdate) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(t.Extra)+2)
	for k, v := range t.Extra {
		out[k] = v
	}
	if t.Reading != nil {
		b, err := json.Marshal(*t.Reading)
		if err != nil {
			return nil, err
		}
		out["reading"] = b
	}
	if t.Status != "" {
		b, _ := json.Marshal(t.Status)
		out["status"] = b
	}
	return json.Marshal(out)
}

func (t *ToolUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = ToolUpdate{}
	if r, ok := raw["reading"]; ok {
		var f float64
		if err := json.Unmarshal(r, &f); err != nil {
			return fmt.Errorf("tool reading: %w", err)
		}
		t.Reading = &f
		delete(raw, "reading")
	}
	if s, ok := raw["status"]; ok {
		if err := json.Unmarshal(s, &t.Status); err != nil {
			return fmt.Errorf("tool status: %w", err)
		}
		delete(raw, "status")
	}
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// UIEvent is a presentation hint for the client renderer.
type UIEvent struct {
	Path    string      `json:"path"`
	Effect  string      `json:"effect"`
	Payload interface{} `json:"payload,omitempty"`
}

// PostAction is the minimal diff produced by one simulation step.
type PostAction struct {
	Environment *EnvironmentPatch     `json:"environment,omitempty"`
	Tools       map[string]ToolUpdate `json:"tools,omitempty"`
	UIEvents    []UIEvent             `json:"uiEvents,omitempty"`
}

// ToolIDs returns the updated tool ids in sorted order.
func (p PostAction) ToolIDs() []string {
	ids := make([]string, 0, len(p.Tools))
	for id := range p.Tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActionRecord is one immutable entry of the step history.
type ActionRecord struct {
	Action    ActionEnvelope `json:"action"`
	Result    PostAction     `json:"result"`
	Timestamp string         `json:"timestamp"`
}

// MaterialState is the physical state of a setup material.
type MaterialState string

const (
	StateLiquid MaterialState = "liquid"
	StateSolid  MaterialState = "solid"
	StateGas    MaterialState = "gas"
)

// Material is a reagent made available to the student by an experiment setup.
type Material struct {
	Name          string        `json:"name"`
	State         MaterialState `json:"state"`
	Concentration *ValueUnit    `json:"concentration,omitempty"`
	Unlimited     bool          `json:"unlimited"`
}

type SetupTool struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type SetupEnvironment struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Capacity *ValueUnit `json:"capacity,omitempty"`
}

// Setup describes the bench an experiment starts from.
type Setup struct {
	Materials    []Material         `json:"materials"`
	Tools        []SetupTool        `json:"tools,omitempty"`
	Environments []SetupEnvironment `json:"environments"`
}

// Timeline is a saved experiment run.
type Timeline struct {
	Setup        Setup                  `json:"setup"`
	Environments map[string]Environment `json:"environments"`
	History      []ActionRecord         `json:"history"`
}

// StepRequest is the body of one free-mode step.
type StepRequest struct {
	ClassroomID string         `json:"classroomId"`
	Env         Environment    `json:"env"`
	Action      ActionEnvelope `json:"action"`
	History     []ActionRecord `json:"history"`
}

// StepResponse is returned for a successful step.
type StepResponse struct {
	PostAction    PostAction `json:"postAction"`
	UIEvents      []UIEvent  `json:"uiEvents"`
	TokensIn      int        `json:"tokensIn"`
	TokensOut     int        `json:"tokensOut"`
	QuotaExceeded bool       `json:"quotaExceeded,omitempty"`
}
