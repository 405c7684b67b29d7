// Package capability implements the structural predicate that decides
// whether a job's requirements are satisfied by a worker's capability tree.
// Both sides are dynamically typed JSON-like values, so the predicate walks
// the tree structurally instead of hard-coding the known keys. This is the
// reference implementation the embedded matcher Lua script mirrors.
package capability

import (
	"strings"

	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/domain/worker"
)

// Matches evaluates the full job/worker capability predicate.
func Matches(j job.Job, w worker.Worker) bool {
	if !contains(w.Capabilities.Services, j.ServiceRequired) {
		return false
	}

	if !hardwareSatisfied(j.Requirements.Hardware, w.Capabilities.Hardware) {
		return false
	}

	if !isolationSatisfied(j, w) {
		return false
	}

	if !modelsSatisfied(j.ServiceRequired, j.Requirements.Models, w.Capabilities.Models) {
		return false
	}

	worktree := map[string]any{
		"hardware": w.Capabilities.Hardware,
		"models":   w.Capabilities.Models,
	}
	for k, v := range w.Capabilities.Extra {
		worktree[k] = v
	}

	for k, required := range j.Requirements.Extra {
		actual, ok := lookupDotted(worktree, k)
		if !ok {
			return false
		}
		if !structuralSatisfies(required, actual) {
			return false
		}
	}

	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hardwareSatisfied(required, actual map[string]any) bool {
	for field, want := range required {
		if s, ok := want.(string); ok && s == job.All {
			continue
		}
		wantNum, ok := toFloat(want)
		if !ok {
			continue
		}
		have, present := actual[field]
		if !present {
			return false
		}
		haveNum, ok := toFloat(have)
		if !ok || haveNum < wantNum {
			return false
		}
	}
	return true
}

func isolationSatisfied(j job.Job, w worker.Worker) bool {
	if j.Requirements.CustomerIsolation == job.IsolationStrict {
		if w.Capabilities.CustomerAccess.Isolation != job.IsolationStrict {
			return false
		}
	}
	if j.CustomerID != nil {
		return w.Capabilities.CustomerAccess.Allows(*j.CustomerID)
	}
	return true
}

func modelsSatisfied(service string, required any, workerModels map[string][]string) bool {
	if required == nil {
		return true
	}
	if s, ok := required.(string); ok && s == job.All {
		return true
	}
	wanted := toStringSlice(required)
	if len(wanted) == 0 {
		return true
	}
	have := workerModels[service]
	for _, m := range wanted {
		if !contains(have, m) {
			return false
		}
	}
	return true
}

// lookupDotted resolves a dotted path like "extra.nested.key" inside a
// JSON-like map tree.
func lookupDotted(tree map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = tree
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// structuralSatisfies compares a required value against an actual value:
// numeric required values use >=, array required values require subset
// containment, object required values compare member-wise by the same
// rules.
func structuralSatisfies(required, actual any) bool {
	if s, ok := required.(string); ok && s == job.All {
		return true
	}

	if wantNum, ok := toFloat(required); ok {
		haveNum, ok := toFloat(actual)
		return ok && haveNum >= wantNum
	}

	if wantList, ok := required.([]any); ok {
		haveList, ok := actual.([]any)
		if !ok {
			return false
		}
		for _, want := range wantList {
			found := false
			for _, have := range haveList {
				if structuralEquals(want, have) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}

	if wantObj, ok := required.(map[string]any); ok {
		haveObj, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, want := range wantObj {
			have, present := haveObj[k]
			if !present || !structuralSatisfies(want, have) {
				return false
			}
		}
		return true
	}

	return structuralEquals(required, actual)
}

func structuralEquals(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
