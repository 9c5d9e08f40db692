// Package uievents derives the presentation events a client needs from a
// step's diff, so that critical visuals appear even when the generative
// backend forgot to request them.
package uievents

import "freelab/internal/lab"

// Effects synthesized by Derive.
const (
	EffectUpdatePHMeter   = "updatePHMeter"
	EffectSpawnGasBubbles = "spawnGasBubbles"
	EffectShowPrecipitate = "showPrecipitate"
)

// Derive returns the explicit events of diff, in order, followed by any
// synthesized event whose effect is not already present.
func Derive(before lab.Environment, diff lab.PostAction) []lab.UIEvent {
	out := make([]lab.UIEvent, 0, len(diff.UIEvents)+3)
	out = append(out, diff.UIEvents...)

	has := make(map[string]bool, len(out))
	for _, ev := range out {
		has[ev.Effect] = true
	}
	add := func(ev lab.UIEvent) {
		if has[ev.Effect] {
			return
		}
		has[ev.Effect] = true
		out = append(out, ev)
	}

	patch := diff.Environment
	if patch == nil {
		return out
	}

	if props := patch.Properties; props != nil {
		if after := props.PH; after != nil && before.Properties.PH != nil && *before.Properties.PH != *after {
			add(lab.UIEvent{
				Path:    "properties.pH",
				Effect:  EffectUpdatePHMeter,
				Payload: map[string]interface{}{"reading": *after},
			})
		}
		if props.Instants != nil && props.Instants.Gas != nil {
			gas := props.Instants.Gas
			var intensity interface{}
			if gas.Volume != nil {
				intensity = gas.Volume.Wire()
			}
			add(lab.UIEvent{
				Path:    "properties.instants.gas",
				Effect:  EffectSpawnGasBubbles,
				Payload: map[string]interface{}{"compound": gas.Compound, "intensity": intensity},
			})
		}
	}

	if patch.Contents != nil && len(patch.Contents.Solids) > 0 {
		add(lab.UIEvent{
			Path:    "contents.solids",
			Effect:  EffectShowPrecipitate,
			Payload: map[string]interface{}{"solids": patch.Contents.Solids},
		})
	}
	return out
}
