package lab

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validStep = `{
  "classroomId": "c1",
  "env": {
    "id": "Beaker1",
    "type": "Beaker",
    "properties": {"temperature": {"value": 20, "unit": "°C"}, "pH": 7},
    "contents": {"liquids": {"Water": {"volume": {"value": 50, "unit": "mL"}}}}
  },
  "action": {"type": "add", "material": "HCl", "amount": {"value": 5, "unit": "mL"}, "target": "Beaker1"}
}`

func issuePaths(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected *ValidationError, got %v", err)
	paths := make([]string, 0, len(ve.Issues))
	for _, is := range ve.Issues {
		paths = append(paths, is.Path)
	}
	return paths
}

func TestDecodeStepRequest_AppliesDefaults(t *testing.T) {
	req, err := DecodeStepRequest([]byte(validStep))
	require.NoError(t, err)

	assert.Equal(t, "c1", req.ClassroomID)
	assert.Equal(t, "Beaker1", req.Env.ID)
	require.NotNil(t, req.Env.Properties.PH)
	assert.Equal(t, 7.0, *req.Env.Properties.PH)
	assert.Equal(t, []string{}, req.Env.AttachedTools)
	assert.Equal(t, []ActionRecord{}, req.History)

	add, ok := req.Action.Action.(AddAction)
	require.True(t, ok)
	assert.Equal(t, "HCl", add.Material)
	assert.Equal(t, ValueUnit{Value: 5, Unit: "mL"}, add.Amount)
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	body := `{
	  "classroomId": "c1",
	  "env": {"id": "B1", "properties": {"pH": 15}},
	  "action": {"type": "heat", "target": "B1"}
	}`
	err := Validate(KindStepRequest, []byte(body))
	require.Error(t, err)

	paths := issuePaths(t, err)
	assert.Contains(t, paths, "env")               // missing type
	assert.Contains(t, paths, "env.properties.pH") // out of range
	assert.Contains(t, paths, "action")            // neither delta nor to
}

func TestValidate_Actions(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		path    string
	}{
		{name: "heat with delta", body: `{"type":"heat","target":"B1","delta":{"value":10,"unit":"°C"}}`},
		{name: "heat with to", body: `{"type":"heat","target":"B1","to":{"value":80,"unit":"°C"}}`},
		{name: "stir bare", body: `{"type":"stir","target":"B1"}`},
		{name: "stir intensity", body: `{"type":"stir","target":"B1","intensity":"vigorous"}`, wantErr: true, path: "intensity"},
		{name: "unknown type", body: `{"type":"shake","target":"B1"}`, wantErr: true, path: "type"},
		{name: "add missing amount", body: `{"type":"add","material":"NaCl","target":"B1"}`, wantErr: true, path: ""},
		{name: "amount wrong type", body: `{"type":"add","material":"NaCl","target":"B1","amount":{"value":"lots","unit":"g"}}`, wantErr: true, path: "amount.value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(KindAction, []byte(tt.body))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, issuePaths(t, err), tt.path)
		})
	}
}

func TestValidate_PostActionLeavesPHRangeToRepair(t *testing.T) {
	err := Validate(KindPostAction, []byte(`{"environment":{"id":"B1","properties":{"pH":-2}}}`))
	assert.NoError(t, err)

	err = Validate(KindEnvironment, []byte(`{"id":"B1","type":"Beaker","properties":{"pH":-2}}`))
	require.Error(t, err)
	assert.Equal(t, []string{"properties.pH"}, issuePaths(t, err))
}

func TestValidate_PostActionPatchNeedsID(t *testing.T) {
	err := Validate(KindPostAction, []byte(`{"environment":{"properties":{"pH":3}},"uiEvents":[{"effect":"x"}]}`))
	require.Error(t, err)
	paths := issuePaths(t, err)
	assert.Contains(t, paths, "environment")
	assert.Contains(t, paths, "uiEvents.0")
}

func TestValidate_AttachedToolsAreASet(t *testing.T) {
	err := Validate(KindEnvironment, []byte(`{"id":"B1","type":"Beaker","attachedTools":["ph","ph"]}`))
	require.Error(t, err)
	assert.Equal(t, []string{"attachedTools"}, issuePaths(t, err))
}

func TestValidate_InvalidJSON(t *testing.T) {
	err := Validate(KindEnvironment, []byte(`{"id":`))
	require.Error(t, err)
	assert.Equal(t, []string{""}, issuePaths(t, err))
}

func TestDecodeSetupAndTimeline(t *testing.T) {
	_, err := DecodeSetup([]byte(`{"materials":[],"environments":[{"id":"B1","type":"Beaker"}]}`))
	require.Error(t, err)
	assert.Contains(t, issuePaths(t, err), "materials")

	setup := `{"materials":[{"name":"HCl","state":"liquid","concentration":{"value":1,"unit":"M"}}],
	           "environments":[{"id":"B1","type":"Beaker","capacity":{"value":250,"unit":"mL"}}]}`
	s, err := DecodeSetup([]byte(setup))
	require.NoError(t, err)
	assert.False(t, s.Materials[0].Unlimited)
	assert.Equal(t, StateLiquid, s.Materials[0].State)

	tl, err := DecodeTimeline([]byte(`{"setup":` + setup + `,"environments":{"B1":{"id":"B1","type":"Beaker"}},"history":[]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{}, tl.Environments["B1"].AttachedTools)
}

func TestActionEnvelopeKeepsDiscriminator(t *testing.T) {
	in := ActionEnvelope{Action: HeatAction{Target: "B1", To: &ValueUnit{Value: 80, Unit: "°C"}}}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heat","target":"B1","to":{"value":80,"unit":"°C"}}`, string(raw))

	var out ActionEnvelope
	require.NoError(t, json.Unmarshal(raw, &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestToolUpdatePreservesExtraKeys(t *testing.T) {
	var tu ToolUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"reading":3.2,"status":"on","display":"3.2 pH"}`), &tu))
	require.NotNil(t, tu.Reading)
	assert.Equal(t, 3.2, *tu.Reading)
	assert.Equal(t, "on", tu.Status)

	raw, err := json.Marshal(tu)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reading":3.2,"status":"on","display":"3.2 pH"}`, string(raw))
}

func TestMagnitudeKeepsShape(t *testing.T) {
	var g Gas
	require.NoError(t, json.Unmarshal([]byte(`{"compound":"CO2","volume":12}`), &g))
	assert.Equal(t, 12.0, g.Volume.Wire())

	require.NoError(t, json.Unmarshal([]byte(`{"compound":"CO2","volume":{"value":12,"unit":"mL"}}`), &g))
	assert.Equal(t, ValueUnit{Value: 12, Unit: "mL"}, g.Volume.Wire())
}

func TestDecodeStepRequest_IgnoresCaseFoldedDuplicates(t *testing.T) {
	body := `{
	  "classroomId": "c1",
	  "env": {"id": "B1", "type": "Beaker", "properties": {"pH": 7}},
	  "ENV": {"id": "B1", "type": "Beaker", "properties": {"pH": 99}},
	  "action": {"type": "heat", "target": "B1", "to": {"value": 80, "unit": "°C"}, "TYPE": "stir"}
	}`
	req, err := DecodeStepRequest([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, req.Env.Properties.PH)
	assert.Equal(t, 7.0, *req.Env.Properties.PH)
	_, ok := req.Action.Action.(HeatAction)
	assert.True(t, ok, "got %T", req.Action.Action)

	// A folded spelling never stands in for a required key.
	lone := `{
	  "classroomId": "c1",
	  "ENV": {"id": "B1", "type": "Beaker", "properties": {"pH": 99}},
	  "action": {"type": "stir", "target": "B1"}
	}`
	_, err = DecodeStepRequest([]byte(lone))
	require.Error(t, err)
	assert.Contains(t, issuePaths(t, err), "")
	assert.Error(t, Validate(KindStepRequest, []byte(lone)))
}

func TestDecodePostActionValue_IgnoresCaseFoldedDuplicates(t *testing.T) {
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
	  "tools": {"ph": {"status": "on"}},
	  "toolſ": {"ph": {"status": "exploded"}}
	}`), &v))
	pa, err := DecodePostActionValue(v)
	require.NoError(t, err)
	assert.Equal(t, "on", pa.Tools["ph"].Status)

	require.NoError(t, json.Unmarshal([]byte(`{"Tools": {"ph": {"status": "exploded"}}}`), &v))
	pa, err = DecodePostActionValue(v)
	require.NoError(t, err)
	assert.Empty(t, pa.Tools)

	require.NoError(t, json.Unmarshal([]byte(`{"tools": {"ph": {"status": "exploded"}}}`), &v))
	_, err = DecodePostActionValue(v)
	require.Error(t, err)
	assert.Equal(t, []string{"tools.ph.status"}, issuePaths(t, err))
}
