package confusion

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// NoInstance is the composite key of points that belong to no instance.
	NoInstance = -1

	// NoClass marks the missing side of an unmatched MatchResult.
	NoClass = -1

	// InstanceKeyBase is the multiplier of the semantic class in a composite
	// instance key: key = class*InstanceKeyBase + localID.
	InstanceKeyBase = 1000

	// MaxLocalInstanceID is the largest local id that survives encoding.
	MaxLocalInstanceID = InstanceKeyBase - 1
)

// Category names used in place of a class name for unmatched instances.
const (
	TPName = "TP"
	FPName = "FP" // prediction with no ground truth
	FNName = "FN" // ground truth with no prediction
)

// ErrClassOutOfRange is returned when a class index has no entry in the
// class list.
var ErrClassOutOfRange = errors.New("class index out of range")

// LabelColumn names a per-point instance label column.
type LabelColumn string

const (
	ColumnInstancePred LabelColumn = "instance_pred"
	ColumnInstanceGT   LabelColumn = "instance_gt"
)

// ClassOf decodes the semantic class of a composite instance key.
func ClassOf(key int) int {
	if key < 0 {
		return NoClass
	}
	return key / InstanceKeyBase
}

// Instance is the set of points of one scene sharing a composite key.
type Instance struct {
	Key   int
	Class int
	// Points holds ascending row indices into the scene's point table.
	Points []int
	// Confidence is the representative prediction confidence. It is zero
	// for ground-truth instances, which carry no confidence.
	Confidence float64
}

// Size returns the number of points in the instance.
func (in Instance) Size() int { return len(in.Points) }

// MatchResult is one row of the match table: a matched pair, an unmatched
// prediction (InstanceGT == NoInstance) or an unmatched ground truth
// (InstancePred == NoInstance).
type MatchResult struct {
	Scene        string  `json:"scene"`
	TrueClass    int     `json:"true_class"`
	PredClass    int     `json:"pred_class"`
	InstanceGT   int     `json:"instance_gt"`
	InstancePred int     `json:"instance_pred"`
	IoU          float64 `json:"iou"`
}

// Category reports TPName, FPName or FNName for the row.
func (r MatchResult) Category() string {
	switch {
	case r.InstanceGT == NoInstance:
		return FPName
	case r.InstancePred == NoInstance:
		return FNName
	default:
		return TPName
	}
}

// ClassSet is a set of semantic class indices.
type ClassSet map[int]struct{}

// NewClassSet resolves class names against the ordered class list.
func NewClassSet(classes []string, names []string) (ClassSet, error) {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	set := make(ClassSet, len(names))
	for _, name := range names {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("unknown class %q", name)
		}
		set[i] = struct{}{}
	}
	return set, nil
}

// Contains reports whether class is in the set. A nil set contains nothing.
func (s ClassSet) Contains(class int) bool {
	_, ok := s[class]
	return ok
}

// CacheKey renders the cache key of a (scenes folder, classes) pair. The
// classes are written as a bracketed quoted list, e.g. "data/['chair', 'table']".
func CacheKey(scenesFolder string, classes []string) string {
	quoted := make([]string, len(classes))
	for i, c := range classes {
		quoted[i] = "'" + c + "'"
	}
	return scenesFolder + "[" + strings.Join(quoted, ", ") + "]"
}
