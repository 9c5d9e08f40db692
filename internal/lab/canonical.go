package lab

import (
	"reflect"
	"strings"
	"sync"
)

// encoding/json matches object keys to struct fields case-insensitively and
// lets the last match win, so a value can carry a second spelling of a field
// ("ENV", "toolſ") that the schema never looks at but the decoder uses.
// canonical rebuilds a decoded value with only the exact keys of the Go type
// it will be decoded into; validation and decoding both see that value.

var kindTypes = map[Kind]reflect.Type{
	KindEnvironment: reflect.TypeOf(Environment{}),
	KindAction:      reflect.TypeOf(ActionEnvelope{}),
	KindHistory:     reflect.TypeOf([]ActionRecord{}),
	KindPostAction:  reflect.TypeOf(PostAction{}),
	KindToolUpdate:  reflect.TypeOf(ToolUpdate{}),
	KindUIEvent:     reflect.TypeOf(UIEvent{}),
	KindSetup:       reflect.TypeOf(Setup{}),
	KindTimeline:    reflect.TypeOf(Timeline{}),
	KindStepRequest: reflect.TypeOf(StepRequest{}),
}

var (
	envelopeType   = reflect.TypeOf(ActionEnvelope{})
	toolUpdateType = reflect.TypeOf(ToolUpdate{})
	magnitudeType  = reflect.TypeOf(Magnitude{})
	valueUnitType  = reflect.TypeOf(ValueUnit{})

	actionTypes = map[ActionKind]reflect.Type{
		KindAdd:  reflect.TypeOf(AddAction{}),
		KindHeat: reflect.TypeOf(HeatAction{}),
		KindStir: reflect.TypeOf(StirAction{}),
	}

	fieldCache sync.Map // reflect.Type -> map[string]reflect.Type
)

func canonical(t reflect.Type, v interface{}) interface{} {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t {
	case toolUpdateType:
		// UnmarshalJSON looks up reading and status by exact key and keeps
		// everything else as extra data.
		return v
	case magnitudeType:
		if _, ok := v.(map[string]interface{}); ok {
			return canonical(valueUnitType, v)
		}
		return v
	case envelopeType:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v
		}
		kind, _ := m["type"].(string)
		at, known := actionTypes[ActionKind(kind)]
		out := map[string]interface{}{}
		if known {
			out = canonical(at, m).(map[string]interface{})
		}
		if typ, ok := m["type"]; ok {
			out["type"] = typ
		}
		return out
	}

	switch t.Kind() {
	case reflect.Struct:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v
		}
		fields := jsonFields(t)
		out := make(map[string]interface{}, len(m))
		for k, fv := range m {
			if ft, ok := fields[k]; ok {
				out[k] = canonical(ft, fv)
			}
		}
		return out
	case reflect.Map:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v
		}
		out := make(map[string]interface{}, len(m))
		for k, fv := range m {
			out[k] = canonical(t.Elem(), fv)
		}
		return out
	case reflect.Slice:
		s, ok := v.([]interface{})
		if !ok {
			return v
		}
		out := make([]interface{}, len(s))
		for i, ev := range s {
			out[i] = canonical(t.Elem(), ev)
		}
		return out
	}
	return v
}

// jsonFields maps the wire names of t's fields to their types.
func jsonFields(t reflect.Type) map[string]reflect.Type {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string]reflect.Type)
	}
	fields := make(map[string]reflect.Type, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			for k, ft := range jsonFields(f.Type) {
				fields[k] = ft
			}
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = f.Type
	}
	fieldCache.Store(t, fields)
	return fields
}
