// Package articulation turns raw generative output into a validated, repaired
// PostAction. Parsing is tolerant (prose and markdown around the object are
// skipped), validation is strict, and repairs are deterministic clamps that
// never invent data.
package articulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"freelab/internal/lab"
	"freelab/internal/logging"
)

var (
	// ErrMalformedOutput means no JSON object could be recovered from the text.
	ErrMalformedOutput = errors.New("malformed backend output")
	// ErrSchemaViolation means the recovered object is not a PostAction.
	ErrSchemaViolation = errors.New("backend output is not a valid PostAction")
)

const (
	StageParse  = "parse"
	StageSchema = "schema"
)

// OutputError describes why backend output was rejected. Raw is kept for
// logging and is never part of Error().
type OutputError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// Parse methods reported in Report.ParseMethod.
const (
	ParseDirect    = "direct"
	ParseFenced    = "fenced"
	ParseExtracted = "extracted"
)

// Repair records one value changed during normalization.
type Repair struct {
	Path string  `json:"path"`
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Report summarizes how an output was normalized.
type Report struct {
	ParseMethod       string   `json:"parseMethod"`
	Repairs           []Repair `json:"repairs,omitempty"`
	DefaultedUIEvents bool     `json:"defaultedUiEvents"`
}

// Stats counts outcomes across all Normalize calls.
type Stats struct {
	Total          int64 `json:"total"`
	Direct         int64 `json:"direct"`
	Fenced         int64 `json:"fenced"`
	Extracted      int64 `json:"extracted"`
	Malformed      int64 `json:"malformed"`
	SchemaRejected int64 `json:"schemaRejected"`
	Repaired       int64 `json:"repaired"`
}

// Normalizer parses, validates and repairs generative output. It is safe
// for concurrent use.
type Normalizer struct {
	mu    sync.Mutex
	stats Stats
}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize turns raw backend text into a PostAction. Errors are
// *OutputError wrapping ErrMalformedOutput or ErrSchemaViolation; the schema
// case also wraps the *lab.ValidationError.
func (n *Normalizer) Normalize(raw string) (lab.PostAction, Report, error) {
	var report Report

	value, method, ok := parseObject(raw)
	if !ok {
		n.count(func(s *Stats) { s.Malformed++ })
		logging.ArticulationWarn("no JSON object recovered from %d bytes of output", len(raw))
		return lab.PostAction{}, report, &OutputError{Stage: StageParse, Raw: raw, Err: ErrMalformedOutput}
	}
	report.ParseMethod = method

	diff, err := lab.DecodePostActionValue(value)
	if err != nil {
		n.count(func(s *Stats) { s.SchemaRejected++ })
		logging.ArticulationWarn("output rejected by schema: %v", err)
		return lab.PostAction{}, report, &OutputError{
			Stage: StageSchema,
			Raw:   raw,
			Err:   fmt.Errorf("%w: %w", ErrSchemaViolation, err),
		}
	}

	report.Repairs = repair(&diff)
	if diff.UIEvents == nil {
		diff.UIEvents = []lab.UIEvent{}
		report.DefaultedUIEvents = true
	}

	n.count(func(s *Stats) {
		switch method {
		case ParseDirect:
			s.Direct++
		case ParseFenced:
			s.Fenced++
		case ParseExtracted:
			s.Extracted++
		}
		if len(report.Repairs) > 0 {
			s.Repaired++
		}
	})
	if len(report.Repairs) > 0 {
		logging.ArticulationDebug("applied %d repairs via %s parse", len(report.Repairs), method)
	}
	return diff, report, nil
}

// Stats returns a snapshot of the counters.
func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Normalizer) count(fn func(*Stats)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.Total++
	fn(&n.stats)
}

// parseObject recovers the first JSON value from raw: the whole text, then
// the body of a markdown fence, then each balanced {...} span in turn.
func parseObject(raw string) (interface{}, string, bool) {
	if v, ok := decodeJSON(raw); ok {
		return v, ParseDirect, true
	}
	if body, ok := stripFence(raw); ok {
		if v, ok := decodeJSON(body); ok {
			return v, ParseFenced, true
		}
	}
	for _, obj := range outermostObjects(raw) {
		if v, ok := decodeJSON(obj); ok {
			return v, ParseExtracted, true
		}
	}
	return nil, "", false
}

func decodeJSON(s string) (interface{}, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func stripFence(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s, true
}

// repair clamps pH into [0,14] and zeroes negative amounts, in place.
func repair(diff *lab.PostAction) []Repair {
	var repairs []Repair
	if diff.Environment == nil {
		return nil
	}
	env := diff.Environment

	if env.Properties != nil && env.Properties.PH != nil {
		before := *env.Properties.PH
		after := ClampPH(before)
		if after != before || math.IsNaN(before) {
			*env.Properties.PH = after
			repairs = append(repairs, Repair{Path: "environment.properties.pH", From: before, To: after})
		}
	}

	if env.Contents == nil {
		return repairs
	}
	for _, name := range sortedKeys(env.Contents.Liquids) {
		liquid := env.Contents.Liquids[name]
		if v := liquid.Volume.Value; v < 0 || !isFinite(v) {
			liquid.Volume.Value = 0
			env.Contents.Liquids[name] = liquid
			repairs = append(repairs, Repair{Path: "environment.contents.liquids." + name + ".volume.value", From: v, To: 0})
		}
	}
	for _, name := range sortedKeys(env.Contents.Solids) {
		solid := env.Contents.Solids[name]
		if solid.Mass == nil {
			continue
		}
		if v := solid.Mass.Value; v < 0 || !isFinite(v) {
			solid.Mass.Value = 0
			repairs = append(repairs, Repair{Path: "environment.contents.solids." + name + ".mass.value", From: v, To: 0})
		}
	}
	return repairs
}

// ClampPH bounds a pH reading to [0,14]; non-finite readings become 0.
func ClampPH(x float64) float64 {
	if !isFinite(x) {
		return 0
	}
	return math.Max(0, math.Min(14, x))
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
