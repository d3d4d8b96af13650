// Package testutil provides shared test utilities and scene fixtures.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// SceneHeader is the header row written by SceneCSV.
const SceneHeader = "x,y,z,r,g,b,semantic_pred,semantic_pred_confs,semantic_gt,instance_pred,instance_gt"

// Missing is the instance value written for a point without an instance.
const Missing = ""

// SceneRow is one point of a fixture scene. Instance fields are written as
// given, so Missing or "nan" produce a missing value.
type SceneRow struct {
	SemanticPred int
	Confidence   float64
	SemanticGT   int
	InstancePred string
	InstanceGT   string
}

// Row builds a SceneRow whose semantic labels are derived from the composite
// keys. A negative key is written as Missing.
func Row(predKey int, conf float64, gtKey int) SceneRow {
	r := SceneRow{Confidence: conf, InstancePred: Missing, InstanceGT: Missing}
	if predKey >= 0 {
		r.InstancePred = fmt.Sprint(predKey)
		r.SemanticPred = predKey / 1000
	}
	if gtKey >= 0 {
		r.InstanceGT = fmt.Sprint(gtKey)
		r.SemanticGT = gtKey / 1000
	}
	return r
}

// SceneCSV renders rows as scene file contents. Coordinates are the row index
// so every point is distinct.
func SceneCSV(rows []SceneRow) string {
	var b strings.Builder
	b.WriteString(SceneHeader)
	b.WriteByte('\n')
	for i, r := range rows {
		fmt.Fprintf(&b, "%d,0,0,128,128,128,%d,%g,%d,%s,%s\n",
			i, r.SemanticPred, r.Confidence, r.SemanticGT, r.InstancePred, r.InstanceGT)
	}
	return b.String()
}

// WriteScene writes rows to dir/name and returns the path.
func WriteScene(t testing.TB, dir, name string, rows []SceneRow) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(SceneCSV(rows)), 0o644); err != nil {
		t.Fatalf("write scene %s: %v", path, err)
	}
	return path
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
