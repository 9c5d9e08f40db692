// Package prompt turns a step's environment, action and recent history into
// the system and user prompts sent to the generative backend.
//
// Build is pure: the same inputs always produce byte-identical prompts, so
// prompts can be compared in tests and cached by callers.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"freelab/internal/lab"
)

// DefaultHistoryWindow is how many trailing history entries reach the prompt.
const DefaultHistoryWindow = 3

// Prompt is the rendered request for one step.
type Prompt struct {
	System  string
	User    string
	Context Context
}

// Context is the slice of state the backend sees.
type Context struct {
	Env         lab.Environment      `json:"env"`
	LastActions []lab.ActionEnvelope `json:"lastActions"`
	LastDiffs   []lab.PostAction     `json:"lastDiffs"`
}

type constraints struct {
	ClampPH            [2]float64 `json:"clampPH"`
	MinimalDiff        bool       `json:"minimalDiff"`
	DoNotInvent        bool       `json:"doNotInvent"`
	NonNegativeAmounts bool       `json:"nonNegativeAmounts"`
}

type knownIDs struct {
	Environments []string `json:"environments"`
	Tools        []string `json:"tools"`
}

type example struct {
	When   string          `json:"when"`
	Output json.RawMessage `json:"output"`
}

type userPayload struct {
	Instruction string             `json:"instruction"`
	Constraints constraints        `json:"constraints"`
	Context     Context            `json:"context"`
	NewAction   lab.ActionEnvelope `json:"newAction"`
	ActionHint  string             `json:"actionHint"`
	KnownIDs    knownIDs           `json:"knownIds"`
	Examples    []example          `json:"examples"`
}

// Builder renders prompts with a fixed history window.
type Builder struct {
	window int
}

// NewBuilder returns a Builder; window <= 0 selects DefaultHistoryWindow.
func NewBuilder(window int) *Builder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Builder{window: window}
}

// Build renders the prompt for env and action using the trailing history
// window, oldest first.
func (b *Builder) Build(env lab.Environment, action lab.Action, history []lab.ActionRecord) Prompt {
	env = env.WithDefaults()
	ctx := Context{
		Env:         env,
		LastActions: []lab.ActionEnvelope{},
		LastDiffs:   []lab.PostAction{},
	}
	for _, rec := range Window(history, b.window) {
		ctx.LastActions = append(ctx.LastActions, rec.Action)
		ctx.LastDiffs = append(ctx.LastDiffs, rec.Result)
	}

	payload := userPayload{
		Instruction: "Given the environment snapshot, the recent steps and the new student action, " +
			"return the minimal PostAction diff the UI needs to render the outcome.",
		Constraints: constraints{
			ClampPH:            [2]float64{0, 14},
			MinimalDiff:        true,
			DoNotInvent:        true,
			NonNegativeAmounts: true,
		},
		Context:    ctx,
		NewAction:  lab.ActionEnvelope{Action: action},
		ActionHint: describeAction(action),
		KnownIDs: knownIDs{
			Environments: []string{env.ID},
			Tools:        env.AttachedTools,
		},
		Examples: []example{acidExample},
	}

	// Every value here is plain data, so encoding cannot fail.
	user, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		user = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}

	return Prompt{
		System:  systemPrompt,
		User:    string(user),
		Context: ctx,
	}
}

// Window returns the last n records of history in their original order.
func Window(history []lab.ActionRecord, n int) []lab.ActionRecord {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// describeAction states in one line what the action asks the simulator to do.
func describeAction(a lab.Action) string {
	switch act := a.(type) {
	case lab.AddAction:
		return fmt.Sprintf("Add %s of %s to %s. Update contents and, if the material is acidic or basic, pH.",
			act.Amount, act.Material, act.Target)
	case lab.HeatAction:
		switch {
		case act.To != nil && act.Delta != nil:
			return fmt.Sprintf("Heat %s by %s, not exceeding %s.", act.Target, act.Delta, act.To)
		case act.To != nil:
			return fmt.Sprintf("Heat %s to %s.", act.Target, act.To)
		default:
			return fmt.Sprintf("Heat %s by %s.", act.Target, act.Delta)
		}
	case lab.StirAction:
		var b strings.Builder
		fmt.Fprintf(&b, "Stir %s", act.Target)
		if act.Intensity != "" {
			fmt.Fprintf(&b, " at %s intensity", act.Intensity)
		}
		if act.Duration != nil {
			fmt.Fprintf(&b, " for %s", act.Duration)
		}
		b.WriteString(". Stirring mixes but does not change chemistry; transient gas may clear.")
		return b.String()
	default:
		return ""
	}
}

var acidExample = example{
	When: "20 mL of 0.1 M HCl is added to neutral water in Beaker1, which has pHmeter1 attached.",
	Output: json.RawMessage(`{
    "environment": {
      "id": "Beaker1",
      "properties": {"pH": 3},
      "contents": {
        "aqueous": {
          "H+": {"concentration": {"value": 0.1, "unit": "M"}},
          "Cl-": {"concentration": {"value": 0.1, "unit": "M"}}
        }
      }
    },
    "tools": {"pHmeter1": {"reading": 3}},
    "uiEvents": [{"path": "properties.pH", "effect": "updatePHMeter", "payload": {"reading": 3}}]
  }`),
}

var systemPrompt = strings.Join([]string{
	"You simulate a school chemistry bench for a browser UI.",
	"Outcomes must look plausible to a student; exact stoichiometry is not required.",
	"",
	"Reply with exactly one JSON object of this shape and nothing else:",
	"{",
	`  "environment"?: {`,
	`    "id": string,                       // required when environment is present`,
	`    "type"?: string,`,
	`    "properties"?: {"pH"?: number, "temperature"?: {"value": number, "unit": string},`,
	`                    "instants"?: {"gas"?: {"compound": string, "volume"?: number, "color"?: string},`,
	`                                  "sound"?: {"name": string, "intensity"?: number}}},`,
	`    "contents"?: {`,
	`      "liquids"?: {name: {"volume": {"value": number, "unit": string}, "color"?: string}},`,
	`      "solids"?:  {name: {"mass"?: {"value": number, "unit": string}, "color"?: string}},`,
	`      "aqueous"?: {name: {"concentration": {"value": number, "unit": string}}}`,
	`    },`,
	`    "attachedTools"?: [string]`,
	`  },`,
	`  "tools"?: {toolId: {"reading"?: number, "status"?: "on" | "off", ...}},`,
	`  "uiEvents"?: [{"path": string, "effect": string, "payload"?: any}]`,
	"}",
	"",
	"Rules:",
	"- Include only fields whose value changes. Omit everything else.",
	"- Use only the environment and tool ids listed in knownIds. Never create new ones.",
	"- pH stays within [0, 14]. Volumes and masses are never negative. No NaN or Infinity.",
	"- When a property a tool measures changes, update that tool's reading too.",
	"- Guidance for plausible results:",
	"  * acids lower pH and add H+ plus the anion to aqueous;",
	"  * bases raise pH and add OH- plus the cation to aqueous;",
	"  * carbonate with acid releases transient CO2 in properties.instants.gas;",
	"  * undissolved excess stays in contents.solids with mass and color;",
	"  * heating raises temperature moderately;",
	"  * stirring changes no chemistry and may clear instants.gas.",
	"- Suggested uiEvents effects: updatePHMeter, spawnGasBubbles, showPrecipitate, flashBeaker.",
	"- No prose, no markdown fences.",
}, "\n")
