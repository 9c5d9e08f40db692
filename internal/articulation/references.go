package articulation

import (
	"fmt"
	"maps"
	"slices"

	"freelab/internal/lab"
)

// ReferencePolicy decides what happens to ids in a diff that the submitted
// environment does not know.
type ReferencePolicy string

const (
	// ReferenceAccept passes unknown ids through untouched.
	ReferenceAccept ReferencePolicy = "accept"
	// ReferenceStrip drops patches for unknown environments and updates for
	// tools that are not attached.
	ReferenceStrip ReferencePolicy = "strip"
)

// ParseReferencePolicy maps a configuration value to a policy; empty selects
// ReferenceAccept.
func ParseReferencePolicy(s string) (ReferencePolicy, error) {
	switch ReferencePolicy(s) {
	case "", ReferenceAccept:
		return ReferenceAccept, nil
	case ReferenceStrip:
		return ReferenceStrip, nil
	default:
		return "", fmt.Errorf("unknown reference policy %q (valid: accept, strip)", s)
	}
}

// FilterReferences applies policy to diff against the environment the step
// was computed for. It returns the filtered diff and the dropped ids.
func FilterReferences(diff lab.PostAction, env lab.Environment, policy ReferencePolicy) (lab.PostAction, []string) {
	if policy != ReferenceStrip {
		return diff, nil
	}

	var dropped []string
	if diff.Environment != nil && diff.Environment.ID != env.ID {
		dropped = append(dropped, "environment:"+diff.Environment.ID)
		diff.Environment = nil
	}
	if len(diff.Tools) > 0 {
		kept := make(map[string]lab.ToolUpdate, len(diff.Tools))
		for _, id := range sortedKeys(diff.Tools) {
			if env.HasTool(id) {
				kept[id] = diff.Tools[id]
				continue
			}
			dropped = append(dropped, "tool:"+id)
		}
		if len(kept) == 0 {
			kept = nil
		}
		diff.Tools = kept
	}
	return diff, dropped
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
