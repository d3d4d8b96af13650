// Package confusion matches predicted point-cloud instances against ground
// truth and aggregates the matches into an instance-level confusion matrix.
//
// Instances are identified by composite keys (semantic class * 1000 + local
// id). A scene is processed in three steps:
//
//	ExtractInstances  group points by key, drop the -1 sentinel and skipped classes
//	Match             greedy confidence-ranked IoU matching within one scene
//	Aggregate         fold the per-scene MatchResults into a Summary
//
// All functions are pure; they take explicit options and hold no package
// state, so scenes may be processed concurrently and merged in any order.
package confusion
