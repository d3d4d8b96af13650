package confusion

import "gonum.org/v1/gonum/mat"

// IoU returns |a ∩ b| / |a ∪ b| over the point sets of two instances.
// Both point lists must be sorted ascending, as ExtractInstances returns them.
func IoU(a, b Instance) float64 {
	inter := intersectionSize(a.Points, b.Points)
	union := len(a.Points) + len(b.Points) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func intersectionSize(a, b []int) int {
	i, j, n := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// IoUMatrix holds the IoU of every ground-truth (row) and predicted (column)
// instance pair of one scene. Pairs without shared points are zero.
type IoUMatrix struct {
	GT   []Instance
	Pred []Instance

	// dense is nil when either side is empty; gonum rejects zero-sized matrices.
	dense *mat.Dense
}

// ComputeIoUMatrix fills the IoU matrix of gt × pred. Point lists must be
// sorted ascending. When the ground-truth instances are disjoint, as they are
// for one scene's ExtractInstances output, intersections are counted in a
// single pass over the predicted points; otherwise every pair is intersected.
func ComputeIoUMatrix(gt, pred []Instance) *IoUMatrix {
	m := &IoUMatrix{GT: gt, Pred: pred}
	if len(gt) == 0 || len(pred) == 0 {
		return m
	}
	m.dense = mat.NewDense(len(gt), len(pred), nil)

	owner, disjoint := pointOwners(gt)
	if disjoint {
		for p, inst := range pred {
			for _, pt := range inst.Points {
				if g, ok := owner[pt]; ok {
					m.dense.Set(g, p, m.dense.At(g, p)+1)
				}
			}
		}
	} else {
		for g := range gt {
			for p := range pred {
				m.dense.Set(g, p, float64(intersectionSize(gt[g].Points, pred[p].Points)))
			}
		}
	}

	for g := range gt {
		for p := range pred {
			inter := m.dense.At(g, p)
			if inter == 0 {
				continue
			}
			union := float64(gt[g].Size()+pred[p].Size()) - inter
			m.dense.Set(g, p, inter/union)
		}
	}
	return m
}

// pointOwners maps every point to its instance. It reports false as soon as
// a point belongs to two instances.
func pointOwners(instances []Instance) (map[int]int, bool) {
	owner := make(map[int]int)
	for i, inst := range instances {
		for _, p := range inst.Points {
			if _, taken := owner[p]; taken {
				return nil, false
			}
			owner[p] = i
		}
	}
	return owner, true
}

// At returns the IoU of ground truth g and prediction p.
func (m *IoUMatrix) At(g, p int) float64 {
	if m.dense == nil {
		return 0
	}
	return m.dense.At(g, p)
}

// Dims returns the number of ground-truth and predicted instances.
func (m *IoUMatrix) Dims() (int, int) {
	return len(m.GT), len(m.Pred)
}
