// Package scene loads point-cloud scenes and prepares their per-point label
// columns for instance matching.
//
// Loading is delegated to a Loader; the package only defines the point table
// a loader must produce and the preprocessing applied to every table before
// its instances are extracted.
package scene

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/banshee-data/reis/internal/confusion"
)

// RequiredColumns lists the columns every scene must provide.
var RequiredColumns = []string{
	"x", "y", "z", "r", "g", "b",
	"semantic_pred", "semantic_pred_confs", "semantic_gt",
	"instance_pred", "instance_gt",
}

// MaxEncodedInstance is the largest raw instance value kept by Preprocess.
// Larger values are treated as unlabelled.
const MaxEncodedInstance = 4_000_000

// Point is one row of a scene's point table.
type Point struct {
	X, Y, Z float64
	R, G, B float64

	SemanticPred      int
	SemanticPredConfs float64
	SemanticGT        int

	// InstancePred and InstanceGT are raw composite keys as stored in the
	// scene file. NaN marks a missing value.
	InstancePred float64
	InstanceGT   float64
}

// Table is the point table of one scene.
type Table struct {
	Path   string
	Points []Point
}

// Name returns the scene identifier: the file name without its extension.
func (t *Table) Name() string {
	return Name(t.Path)
}

// Name returns the scene identifier of path.
func Name(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// MalformedSceneError reports a scene that cannot be used for matching.
type MalformedSceneError struct {
	Path   string
	Row    int // zero-based point row; -1 when the problem is not row specific
	Reason string
}

func (e *MalformedSceneError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("malformed scene %s: row %d: %s", e.Path, e.Row, e.Reason)
	}
	return fmt.Sprintf("malformed scene %s: %s", e.Path, e.Reason)
}

// Prepared holds the label columns of a preprocessed scene.
type Prepared struct {
	Name string
	Path string

	InstancePred []int
	InstanceGT   []int
	SemanticPred []int
	SemanticGT   []int
	Confidences  []float64
}

// Labels returns the composite key column named col.
func (p *Prepared) Labels(col confusion.LabelColumn) []int {
	switch col {
	case confusion.ColumnInstancePred:
		return p.InstancePred
	case confusion.ColumnInstanceGT:
		return p.InstanceGT
	}
	return nil
}

// Semantics returns the per-point semantic labels that the keys of col are
// expected to agree with.
func (p *Prepared) Semantics(col confusion.LabelColumn) []int {
	switch col {
	case confusion.ColumnInstancePred:
		return p.SemanticPred
	case confusion.ColumnInstanceGT:
		return p.SemanticGT
	}
	return nil
}

// Preprocess converts raw instance values to composite keys: missing values
// and values above MaxEncodedInstance become confusion.NoInstance, the rest
// are truncated to integers. Negative keys other than -1, non-finite keys
// below the cap and confidences outside [0, 1] make the scene malformed.
func Preprocess(t *Table) (*Prepared, error) {
	n := len(t.Points)
	p := &Prepared{
		Name:         t.Name(),
		Path:         t.Path,
		InstancePred: make([]int, n),
		InstanceGT:   make([]int, n),
		SemanticPred: make([]int, n),
		SemanticGT:   make([]int, n),
		Confidences:  make([]float64, n),
	}

	for i, pt := range t.Points {
		var err error
		if p.InstancePred[i], err = encodeKey(pt.InstancePred); err != nil {
			return nil, &MalformedSceneError{Path: t.Path, Row: i, Reason: "instance_pred: " + err.Error()}
		}
		if p.InstanceGT[i], err = encodeKey(pt.InstanceGT); err != nil {
			return nil, &MalformedSceneError{Path: t.Path, Row: i, Reason: "instance_gt: " + err.Error()}
		}
		c := pt.SemanticPredConfs
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, &MalformedSceneError{Path: t.Path, Row: i, Reason: fmt.Sprintf("semantic_pred_confs %v outside [0, 1]", c)}
		}
		p.SemanticPred[i] = pt.SemanticPred
		p.SemanticGT[i] = pt.SemanticGT
		p.Confidences[i] = c
	}
	return p, nil
}

func encodeKey(raw float64) (int, error) {
	if math.IsNaN(raw) || raw > MaxEncodedInstance {
		return confusion.NoInstance, nil
	}
	if math.IsInf(raw, -1) {
		return 0, fmt.Errorf("value %v is not a valid instance key", raw)
	}
	key := int(raw)
	if key < confusion.NoInstance {
		return 0, fmt.Errorf("negative instance key %d", key)
	}
	return key, nil
}
