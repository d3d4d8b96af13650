package confusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LabeledMatch is a MatchResult with class names resolved. True is FPName
// for unmatched predictions; Pred is FNName for unmatched ground truth.
type LabeledMatch struct {
	MatchResult
	True string `json:"true"`
	Pred string `json:"pred"`
}

// ConfusionCell groups the matches of one (true, pred) pair.
type ConfusionCell struct {
	True      string  `json:"true"`
	Pred      string  `json:"pred"`
	TrueIndex int     `json:"true_index"`
	PredIndex int     `json:"pred_index"`
	Count     int     `json:"count"`
	MeanIoU   float64 `json:"mean_iou"`
}

// Summary is the aggregated output of a confusion run.
type Summary struct {
	Classes []string

	// InferInfo is the labelled per-instance match table.
	InferInfo []LabeledMatch

	// ConfusionInfo lists the non-empty cells in (TrueIndex, PredIndex) order.
	ConfusionInfo []ConfusionCell

	// Matrix is (K+1)×(K+1). Row = ground-truth class, column = predicted
	// class; index K is the FP row and FN column. Matrix[K][K] is always 0.
	Matrix *mat.Dense
}

// Aggregate folds match results from any number of scenes into a Summary.
// The result does not depend on the order of results beyond the order of
// InferInfo, which follows the input. A class index outside the class list
// fails with ErrClassOutOfRange.
func Aggregate(results []MatchResult, classes []string) (*Summary, error) {
	k := len(classes)
	if k == 0 {
		return nil, errors.New("aggregate: class list is empty")
	}

	s := &Summary{
		Classes:   append([]string(nil), classes...),
		InferInfo: make([]LabeledMatch, 0, len(results)),
		Matrix:    mat.NewDense(k+1, k+1, nil),
	}

	iouSums := make(map[[2]int]float64)
	for _, r := range results {
		ti, tname, err := resolveClass(r.TrueClass, classes, FPName)
		if err != nil {
			return nil, fmt.Errorf("scene %q ground truth %d: %w", r.Scene, r.InstanceGT, err)
		}
		pi, pname, err := resolveClass(r.PredClass, classes, FNName)
		if err != nil {
			return nil, fmt.Errorf("scene %q prediction %d: %w", r.Scene, r.InstancePred, err)
		}
		if ti == k && pi == k {
			return nil, fmt.Errorf("scene %q: match row has neither ground truth nor prediction", r.Scene)
		}

		s.InferInfo = append(s.InferInfo, LabeledMatch{MatchResult: r, True: tname, Pred: pname})
		s.Matrix.Set(ti, pi, s.Matrix.At(ti, pi)+1)
		iouSums[[2]int{ti, pi}] += r.IoU
	}

	s.ConfusionInfo = buildCells(s.Matrix, s.labels(), iouSums)
	return s, nil
}

// resolveClass maps a class index to its matrix slot and name. NoClass maps
// to the extra slot K named missing.
func resolveClass(class int, classes []string, missing string) (int, string, error) {
	if class == NoClass {
		return len(classes), missing, nil
	}
	if class < 0 || class >= len(classes) {
		return 0, "", fmt.Errorf("%w: class %d not in [0, %d)", ErrClassOutOfRange, class, len(classes))
	}
	return class, classes[class], nil
}

func buildCells(m *mat.Dense, labels [2][]string, iouSums map[[2]int]float64) []ConfusionCell {
	rows, cols := m.Dims()
	var cells []ConfusionCell
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			n := int(m.At(i, j))
			if n == 0 {
				continue
			}
			cells = append(cells, ConfusionCell{
				True:      labels[0][i],
				Pred:      labels[1][j],
				TrueIndex: i,
				PredIndex: j,
				Count:     n,
				MeanIoU:   iouSums[[2]int{i, j}] / float64(n),
			})
		}
	}
	return cells
}

// labels returns the row labels (classes + FPName) and column labels
// (classes + FNName) of the matrix.
func (s *Summary) labels() [2][]string {
	rows := append(append([]string(nil), s.Classes...), FPName)
	cols := append(append([]string(nil), s.Classes...), FNName)
	return [2][]string{rows, cols}
}

// RowLabels returns the matrix row labels: the classes followed by FPName.
func (s *Summary) RowLabels() []string { return s.labels()[0] }

// ColumnLabels returns the matrix column labels: the classes followed by FNName.
func (s *Summary) ColumnLabels() []string { return s.labels()[1] }

// Counts returns the matrix as integer rows.
func (s *Summary) Counts() [][]int {
	r, c := s.Matrix.Dims()
	out := make([][]int, r)
	for i := range out {
		out[i] = make([]int, c)
		for j := range out[i] {
			out[i][j] = int(s.Matrix.At(i, j))
		}
	}
	return out
}

// Total returns the sum over all matrix cells, which equals len(InferInfo).
func (s *Summary) Total() int {
	return int(mat.Sum(s.Matrix))
}

// Cell returns the match rows of the (trueName, predName) cell in InferInfo
// order. FPName and FNName select the unmatched rows.
func (s *Summary) Cell(trueName, predName string) []LabeledMatch {
	var out []LabeledMatch
	for _, m := range s.InferInfo {
		if m.True == trueName && m.Pred == predName {
			out = append(out, m)
		}
	}
	return out
}

// DrillDownColumn picks the instance column used to crop the points of a
// clicked cell: preferred in general, the prediction column when there is no
// ground truth, the ground-truth column when there is no prediction.
func DrillDownColumn(trueName, predName string, preferred LabelColumn) LabelColumn {
	col := preferred
	if trueName == FPName {
		col = ColumnInstancePred
	}
	if predName == FNName {
		col = ColumnInstanceGT
	}
	return col
}

// ClassMetrics holds instance detection counts for one class.
type ClassMetrics struct {
	Class     string  `json:"class"`
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// ClassMetrics derives per-class counts from the matrix. For class c the
// diagonal cell is TP, the rest of row c is FN and the rest of column c is FP:
// a ground truth matched with the wrong class is missed by its own class and
// spurious for the predicted one.
func (s *Summary) ClassMetrics() []ClassMetrics {
	k := len(s.Classes)
	out := make([]ClassMetrics, k)
	for c := 0; c < k; c++ {
		tp := s.Matrix.At(c, c)
		row := mat.Row(nil, c, s.Matrix)
		col := mat.Col(nil, c, s.Matrix)
		fn := floats.Sum(row) - tp
		fp := floats.Sum(col) - tp

		m := ClassMetrics{Class: s.Classes[c], TP: int(tp), FP: int(fp), FN: int(fn)}
		if tp+fp > 0 {
			m.Precision = tp / (tp + fp)
		}
		if tp+fn > 0 {
			m.Recall = tp / (tp + fn)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		out[c] = m
	}
	return out
}

// Scenes returns the distinct scene names in InferInfo, sorted.
func (s *Summary) Scenes() []string {
	seen := make(map[string]struct{})
	for _, m := range s.InferInfo {
		seen[m.Scene] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type summaryJSON struct {
	Classes       []string        `json:"classes"`
	InferInfo     []LabeledMatch  `json:"infer_info"`
	ConfusionInfo []ConfusionCell `json:"confusion_info"`
	Mtx           [][]int         `json:"mtx"`
}

// MarshalJSON renders the summary for an external renderer.
func (s *Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryJSON{
		Classes:       s.Classes,
		InferInfo:     s.InferInfo,
		ConfusionInfo: s.ConfusionInfo,
		Mtx:           s.Counts(),
	})
}

// UnmarshalJSON restores a summary written by MarshalJSON.
func (s *Summary) UnmarshalJSON(data []byte) error {
	var raw summaryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m, err := DenseFromCounts(raw.Mtx, len(raw.Classes)+1)
	if err != nil {
		return err
	}
	*s = Summary{
		Classes:       raw.Classes,
		InferInfo:     raw.InferInfo,
		ConfusionInfo: raw.ConfusionInfo,
		Matrix:        m,
	}
	return nil
}

// DenseFromCounts builds a dim×dim matrix from integer rows.
func DenseFromCounts(counts [][]int, dim int) (*mat.Dense, error) {
	if dim <= 0 {
		return nil, errors.New("matrix dimension must be positive")
	}
	if len(counts) != dim {
		return nil, fmt.Errorf("matrix has %d rows, want %d", len(counts), dim)
	}
	m := mat.NewDense(dim, dim, nil)
	for i, row := range counts {
		if len(row) != dim {
			return nil, fmt.Errorf("matrix row %d has %d columns, want %d", i, len(row), dim)
		}
		for j, v := range row {
			m.Set(i, j, float64(v))
		}
	}
	return m, nil
}
