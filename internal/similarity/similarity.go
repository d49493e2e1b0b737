// Package similarity implements the lexical similarity measures used to rank
// stored patterns against new task contexts.
//
// Free text is compared with bag-of-words Jaccard; structured contexts with a
// weighted key-overlap blend; task-type identifiers with normalized edit
// distance. The formulas are fixed: retrieval quality tuning happens by
// replacing the measure wholesale (e.g. with embeddings), not by adjusting
// these weights in place.
package similarity

import (
	"reflect"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Structured-context blend weights. Task-type equality is a hard filter, so
// its weight only shows up in the denominator.
const (
	weightTaskType = 1.0
	weightContext  = 0.5
	weightParams   = 0.3
)

// Jaccard returns the bag-of-words Jaccard similarity of two strings:
// intersection over union of their whitespace-tokenized, case-folded word
// sets. Two empty strings are identical (1.0); one empty string matches
// nothing (0.0).
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// KeyOverlap scores how closely two structured maps match: Jaccard over the
// key sets, with matching keys whose values are also equal counting extra.
//
//	overlap = (|shared keys| + |value-equal keys|) / (|key union| + |shared keys|)
//
// The result stays in [0,1]: a map compared against an identical copy scores
// 1.0, disjoint key sets score 0.0. Two empty maps are identical (1.0).
func KeyOverlap(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	shared := 0
	valueEqual := 0
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			continue
		}
		shared++
		if reflect.DeepEqual(va, vb) {
			valueEqual++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared+valueEqual) / float64(union+shared)
}

// Structured blends contextual-field and parameter-field overlap for two task
// contexts of the same task type. Callers must have already required exact
// task-type equality; that equality contributes the full weightTaskType.
func Structured(contextA, contextB, paramsA, paramsB map[string]any) float64 {
	score := weightTaskType
	score += weightContext * KeyOverlap(contextA, contextB)
	score += weightParams * KeyOverlap(paramsA, paramsB)
	return score / (weightTaskType + weightContext + weightParams)
}

// TaskType returns the normalized edit-distance similarity of two task-type
// identifiers: 1 - levenshtein(a,b)/max(len(a),len(b)). Used only for
// cross-task-type suggestions when no same-type pattern exists.
func TaskType(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(longer)
}
