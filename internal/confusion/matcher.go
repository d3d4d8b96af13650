package confusion

import "sort"

// DefaultIoUThreshold is the minimum IoU for a prediction to claim a ground truth.
const DefaultIoUThreshold = 0.25

// MatchOptions configures Match.
type MatchOptions struct {
	IoUThreshold float64
}

// DefaultMatchOptions returns the options used when none are configured.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{IoUThreshold: DefaultIoUThreshold}
}

// Match assigns predictions to ground-truth instances of one scene.
//
// Predictions are visited by descending confidence (ties by ascending key).
// Each claims the unclaimed ground truth with the highest IoU (ties by
// ascending key) if that IoU is positive and at least the threshold;
// otherwise it is a false positive. Ground truths left unclaimed are false
// negatives. This is greedy, not an optimal assignment: a confident
// prediction keeps its ground truth even when a later one overlaps it more.
//
// Rows are emitted in visiting order followed by the false negatives in key
// order. Scene is left empty for the caller to fill. Instances may come from
// anywhere as long as their point lists are sorted; overlapping ground-truth
// instances are handled.
func Match(gt, pred []Instance, opts MatchOptions) []MatchResult {
	ious := ComputeIoUMatrix(gt, pred)
	return matchWithMatrix(ious, opts)
}

func matchWithMatrix(ious *IoUMatrix, opts MatchOptions) []MatchResult {
	gt, pred := ious.GT, ious.Pred

	order := make([]int, len(pred))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := pred[order[a]], pred[order[b]]
		if pa.Confidence != pb.Confidence {
			return pa.Confidence > pb.Confidence
		}
		return pa.Key < pb.Key
	})

	gtOrder := make([]int, len(gt))
	for i := range gtOrder {
		gtOrder[i] = i
	}
	sort.SliceStable(gtOrder, func(a, b int) bool { return gt[gtOrder[a]].Key < gt[gtOrder[b]].Key })

	claimed := make([]bool, len(gt))
	results := make([]MatchResult, 0, len(gt)+len(pred))

	for _, p := range order {
		best, bestIoU := -1, 0.0
		for _, g := range gtOrder {
			if claimed[g] {
				continue
			}
			if v := ious.At(g, p); v > bestIoU {
				best, bestIoU = g, v
			}
		}

		if best >= 0 && bestIoU >= opts.IoUThreshold {
			claimed[best] = true
			results = append(results, MatchResult{
				TrueClass:    gt[best].Class,
				PredClass:    pred[p].Class,
				InstanceGT:   gt[best].Key,
				InstancePred: pred[p].Key,
				IoU:          bestIoU,
			})
			continue
		}

		results = append(results, MatchResult{
			TrueClass:    NoClass,
			PredClass:    pred[p].Class,
			InstanceGT:   NoInstance,
			InstancePred: pred[p].Key,
			IoU:          bestIoU,
		})
	}

	for _, g := range gtOrder {
		if claimed[g] {
			continue
		}
		results = append(results, MatchResult{
			TrueClass:    gt[g].Class,
			PredClass:    NoClass,
			InstanceGT:   gt[g].Key,
			InstancePred: NoInstance,
		})
	}

	return results
}
