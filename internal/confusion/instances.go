package confusion

import (
	"fmt"
	"sort"
)

// ExtractInput holds the per-point columns needed to build instances for one
// label column. All non-nil slices must have the same length as Keys.
type ExtractInput struct {
	// Keys is the preprocessed composite instance key of every point.
	Keys []int

	// Confidences is the per-point prediction confidence. Leave nil for
	// ground-truth columns.
	Confidences []float64

	// Semantics optionally holds per-point semantic labels that should agree
	// with the class decoded from Keys. Disagreement is reported as an
	// EncodingWarning; it is how a local id above MaxLocalInstanceID shows up.
	Semantics []int
}

// ExtractOptions controls instance extraction.
type ExtractOptions struct {
	// NumClasses, when positive, bounds the decoded class of a key.
	NumClasses int

	// Skip lists classes whose instances are ignored as if absent.
	Skip ClassSet
}

// EncodingWarning describes an instance whose composite key looks ambiguous.
type EncodingWarning struct {
	Key          int
	DecodedClass int
	PointClass   int // NoClass when no semantic column was supplied
	Reason       string
}

func (w EncodingWarning) String() string {
	if w.PointClass != NoClass {
		return fmt.Sprintf("instance key %d decodes to class %d but its points are labelled %d: %s",
			w.Key, w.DecodedClass, w.PointClass, w.Reason)
	}
	return fmt.Sprintf("instance key %d decodes to class %d: %s", w.Key, w.DecodedClass, w.Reason)
}

// ExtractInstances groups points by composite key. Points keyed NoInstance
// (or any negative key) and instances of skipped classes are dropped. The
// representative confidence of an instance is the confidence of its first
// point in table order. Instances are returned sorted by key.
func ExtractInstances(in ExtractInput, opts ExtractOptions) ([]Instance, []EncodingWarning, error) {
	n := len(in.Keys)
	if in.Confidences != nil && len(in.Confidences) != n {
		return nil, nil, fmt.Errorf("confidence column has %d rows, want %d", len(in.Confidences), n)
	}
	if in.Semantics != nil && len(in.Semantics) != n {
		return nil, nil, fmt.Errorf("semantic column has %d rows, want %d", len(in.Semantics), n)
	}

	byKey := make(map[int]*Instance)
	for i, key := range in.Keys {
		if key < 0 {
			continue
		}
		class := ClassOf(key)
		if opts.Skip.Contains(class) {
			continue
		}
		inst, ok := byKey[key]
		if !ok {
			inst = &Instance{Key: key, Class: class}
			if in.Confidences != nil {
				inst.Confidence = in.Confidences[i]
			}
			byKey[key] = inst
		}
		inst.Points = append(inst.Points, i)
	}

	instances := make([]Instance, 0, len(byKey))
	for _, inst := range byKey {
		instances = append(instances, *inst)
	}
	sort.Slice(instances, func(a, b int) bool { return instances[a].Key < instances[b].Key })

	var warnings []EncodingWarning
	for _, inst := range instances {
		if opts.NumClasses > 0 && inst.Class >= opts.NumClasses {
			warnings = append(warnings, EncodingWarning{
				Key:          inst.Key,
				DecodedClass: inst.Class,
				PointClass:   NoClass,
				Reason:       fmt.Sprintf("class outside [0, %d)", opts.NumClasses),
			})
			continue
		}
		if in.Semantics != nil {
			if dominant := dominantLabel(in.Semantics, inst.Points); dominant != inst.Class {
				warnings = append(warnings, EncodingWarning{
					Key:          inst.Key,
					DecodedClass: inst.Class,
					PointClass:   dominant,
					Reason:       fmt.Sprintf("local id may exceed %d", MaxLocalInstanceID),
				})
			}
		}
	}

	return instances, warnings, nil
}

// dominantLabel returns the most frequent label among rows, breaking ties
// towards the smaller label.
func dominantLabel(labels []int, rows []int) int {
	counts := make(map[int]int)
	best, bestCount := NoClass, 0
	for _, r := range rows {
		l := labels[r]
		counts[l]++
		c := counts[l]
		if c > bestCount || (c == bestCount && l < best) {
			best, bestCount = l, c
		}
	}
	return best
}
