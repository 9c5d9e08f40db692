package lab

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/lab.schema.json
var schemaFS embed.FS

const schemaBase = "https://freelab.local/schemas/"

// Kind names a validated shape.
type Kind string

const (
	KindEnvironment Kind = "environment"
	KindAction      Kind = "action"
	KindHistory     Kind = "history"
	KindPostAction  Kind = "postAction"
	KindToolUpdate  Kind = "toolUpdate"
	KindUIEvent     Kind = "uiEvent"
	KindSetup       Kind = "setup"
	KindTimeline    Kind = "timeline"
	KindStepRequest Kind = "stepRequest"
)

// Kinds lists every validated shape.
var Kinds = []Kind{
	KindEnvironment, KindAction, KindHistory, KindPostAction, KindToolUpdate,
	KindUIEvent, KindSetup, KindTimeline, KindStepRequest,
}

// Issue is one structural violation.
type Issue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ValidationError lists every violation found in a value.
type ValidationError struct {
	Kind   Kind    `json:"kind"`
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		path := is.Path
		if path == "" {
			path = "(root)"
		}
		parts = append(parts, path+": "+is.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(parts, "; "))
}

var (
	compileOnce sync.Once
	compiled    map[Kind]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[Kind]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := schemaFS.ReadFile("schemas/lab.schema.json")
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaBase+"lab.schema.json", bytes.NewReader(doc)); err != nil {
			compileErr = fmt.Errorf("load lab schema: %w", err)
			return
		}
		out := make(map[Kind]*jsonschema.Schema, len(Kinds))
		for _, k := range Kinds {
			url := schemaBase + string(k) + ".json"
			root := fmt.Sprintf(`{"$ref": "lab.schema.json#/$defs/%s"}`, k)
			if err := c.AddResource(url, strings.NewReader(root)); err != nil {
				compileErr = fmt.Errorf("load %s schema: %w", k, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", k, err)
				return
			}
			out[k] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateValue checks a JSON-decoded value (maps, slices, float64, string,
// bool, nil) against kind. Object keys that are not exact field names are
// ignored, as they are when decoding.
func ValidateValue(kind Kind, v interface{}) error {
	_, err := check(kind, v)
	return err
}

// Validate parses raw JSON and checks it against kind. Unparseable input is
// reported as a single root issue.
func Validate(kind Kind, raw []byte) error {
	v, err := parse(kind, raw)
	if err != nil {
		return err
	}
	return ValidateValue(kind, v)
}

func parse(kind Kind, raw []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &ValidationError{Kind: kind, Issues: []Issue{{Reason: "invalid JSON: " + err.Error()}}}
	}
	return v, nil
}

// check returns the canonical form of v after validating it against kind.
func check(kind Kind, v interface{}) (interface{}, error) {
	all, err := schemas()
	if err != nil {
		return nil, err
	}
	s, ok := all[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if t, ok := kindTypes[kind]; ok {
		v = canonical(t, v)
	}
	err = s.Validate(v)
	if err == nil {
		return v, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	return nil, &ValidationError{Kind: kind, Issues: collectIssues(ve)}
}

// collectIssues flattens the schema error tree to its leaves.
func collectIssues(root *jsonschema.ValidationError) []Issue {
	seen := make(map[Issue]bool)
	var issues []Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			is := Issue{Path: pointerToPath(ve.InstanceLocation), Reason: ve.Message}
			if !seen[is] {
				seen[is] = true
				issues = append(issues, is)
			}
			return
		}
		for _, c := range ve.Causes {
			walk(c)
		}
	}
	walk(root)
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		return issues[i].Reason < issues[j].Reason
	})
	return issues
}

// pointerToPath turns "/env/properties/pH" into "env.properties.pH".
func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	segs := strings.Split(ptr, "/")
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~1", "/")
		segs[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return strings.Join(segs, ".")
}
