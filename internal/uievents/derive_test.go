package uievents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freelab/internal/lab"
)

func f(v float64) *float64 { return &v }

func effects(events []lab.UIEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Effect
	}
	return out
}

func TestDerive(t *testing.T) {
	neutral := lab.Environment{ID: "B1", Type: "Beaker", Properties: lab.Properties{PH: f(7)}}
	noPH := lab.Environment{ID: "B1", Type: "Beaker"}

	tests := []struct {
		name   string
		before lab.Environment
		diff   lab.PostAction
		want   []string
	}{
		{
			name:   "empty diff",
			before: neutral,
			diff:   lab.PostAction{},
			want:   []string{},
		},
		{
			name:   "pH changed",
			before: neutral,
			diff:   lab.PostAction{Environment: &lab.EnvironmentPatch{ID: "B1", Properties: &lab.Properties{PH: f(3)}}},
			want:   []string{EffectUpdatePHMeter},
		},
		{
			name:   "pH unchanged",
			before: neutral,
			diff:   lab.PostAction{Environment: &lab.EnvironmentPatch{ID: "B1", Properties: &lab.Properties{PH: f(7)}}},
			want:   []string{},
		},
		{
			name:   "no prior pH",
			before: noPH,
			diff:   lab.PostAction{Environment: &lab.EnvironmentPatch{ID: "B1", Properties: &lab.Properties{PH: f(3)}}},
			want:   []string{},
		},
		{
			name:   "explicit pH event kept once",
			before: neutral,
			diff: lab.PostAction{
				Environment: &lab.EnvironmentPatch{ID: "B1", Properties: &lab.Properties{PH: f(3)}},
				UIEvents:    []lab.UIEvent{{Path: "tools.m", Effect: EffectUpdatePHMeter}},
			},
			want: []string{EffectUpdatePHMeter},
		},
		{
			name:   "gas, precipitate, explicit first",
			before: neutral,
			diff: lab.PostAction{
				Environment: &lab.EnvironmentPatch{
					ID:         "B1",
					Properties: &lab.Properties{Instants: &lab.Instants{Gas: &lab.Gas{Compound: "CO2"}}},
					Contents:   &lab.Contents{Solids: map[string]lab.Solid{"CaCO3": {Color: "white"}}},
				},
				UIEvents: []lab.UIEvent{{Path: "", Effect: "flashBeaker"}},
			},
			want: []string{"flashBeaker", EffectSpawnGasBubbles, EffectShowPrecipitate},
		},
		{
			name:   "empty solids mapping",
			before: neutral,
			diff: lab.PostAction{Environment: &lab.EnvironmentPatch{
				ID:       "B1",
				Contents: &lab.Contents{Solids: map[string]lab.Solid{}},
			}},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, effects(Derive(tt.before, tt.diff)))
		})
	}
}

func TestDerivePayloads(t *testing.T) {
	before := lab.Environment{ID: "B1", Type: "Beaker", Properties: lab.Properties{PH: f(7)}}
	diff := lab.PostAction{Environment: &lab.EnvironmentPatch{
		ID: "B1",
		Properties: &lab.Properties{
			PH:       f(0),
			Instants: &lab.Instants{Gas: &lab.Gas{Compound: "CO2", Volume: &lab.Magnitude{Value: 12}}},
		},
	}}

	events := Derive(before, diff)
	require.Len(t, events, 2)

	raw, err := json.Marshal(events)
	require.NoError(t, err)
	assert.JSONEq(t, `[
	  {"path":"properties.pH","effect":"updatePHMeter","payload":{"reading":0}},
	  {"path":"properties.instants.gas","effect":"spawnGasBubbles","payload":{"compound":"CO2","intensity":12}}
	]`, string(raw))
}

func TestDeriveDoesNotMutateDiff(t *testing.T) {
	before := lab.Environment{ID: "B1", Type: "Beaker", Properties: lab.Properties{PH: f(7)}}
	explicit := make([]lab.UIEvent, 1, 4)
	explicit[0] = lab.UIEvent{Effect: "flashBeaker"}
	diff := lab.PostAction{
		Environment: &lab.EnvironmentPatch{ID: "B1", Properties: &lab.Properties{PH: f(2)}},
		UIEvents:    explicit,
	}

	_ = Derive(before, diff)
	assert.Len(t, diff.UIEvents, 1)
	assert.Equal(t, lab.UIEvent{Effect: "flashBeaker"}, explicit[:2][0])
	assert.Equal(t, lab.UIEvent{}, explicit[:2][1])
}
