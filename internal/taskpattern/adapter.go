package taskpattern

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

const (
	// adaptationPenaltyStep is the confidence cost of each adapted field.
	adaptationPenaltyStep = 0.05

	// maxAdaptationPenalty caps the total adaptation cost.
	maxAdaptationPenalty = 0.3

	// adaptedConfidenceFloor is the minimum confidence an adapted pattern
	// keeps regardless of how many fields changed.
	adaptedConfidenceFloor = 0.3
)

// AdaptPattern fits a registry pattern to a new target context. The pattern
// is deep-copied; every context field present in targetContext but differing
// from the stored conditions is rewritten on the copy and recorded as an
// adaptation. Selectors are never rewritten, only carried over and flagged
// for runtime validation.
func AdaptPattern(p *Pattern, targetContext map[string]any) (*AdaptedPattern, error) {
	cp, err := deepCopy(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy pattern: %w", err)
	}
	if cp.ContextConditions == nil {
		cp.ContextConditions = map[string]any{}
	}

	// Deterministic adaptation order keeps the records stable across runs.
	fields := make([]string, 0, len(targetContext))
	for field := range targetContext {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var adaptations []Adaptation
	for _, field := range fields {
		target := targetContext[field]
		original, ok := cp.ContextConditions[field]
		if ok && reflect.DeepEqual(original, target) {
			continue
		}

		reason := "context field differs from stored conditions"
		if !ok {
			reason = "context field absent from stored conditions"
		}
		adaptations = append(adaptations, Adaptation{
			Field:         field,
			OriginalValue: original,
			AdaptedValue:  target,
			Reason:        reason,
		})
		cp.ContextConditions[field] = target
	}

	penalty := adaptationPenaltyStep * float64(len(adaptations))
	if penalty > maxAdaptationPenalty {
		penalty = maxAdaptationPenalty
	}
	confidence := p.Confidence - penalty
	if confidence < adaptedConfidenceFloor {
		confidence = adaptedConfidenceFloor
	}

	return &AdaptedPattern{
		Pattern:                    cp,
		Adaptations:                adaptations,
		SelectorsRequireValidation: len(cp.Selectors) > 0,
		Confidence:                 confidence,
	}, nil
}

// deepCopy clones a pattern through its JSON form so nested maps and slices
// are never shared with the original.
func deepCopy(p *Pattern) (*Pattern, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var cp Pattern
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
