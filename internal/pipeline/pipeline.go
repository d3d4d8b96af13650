// Package pipeline builds the instance confusion matrix of a scenes folder.
//
// Every scene is loaded, preprocessed, split into predicted and ground-truth
// instances and matched on its own goroutine. Per-scene results are stored by
// scene index, so the merged match table follows the sorted scene order no
// matter which worker finishes first. The merged table is aggregated once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/reis/internal/confusion"
	"github.com/banshee-data/reis/internal/db"
	"github.com/banshee-data/reis/internal/fsutil"
	"github.com/banshee-data/reis/internal/monitoring"
	"github.com/banshee-data/reis/internal/scene"
	"github.com/banshee-data/reis/internal/timeutil"
)

// Cache stores finished runs by cache key. *db.CacheStore implements it.
type Cache interface {
	Get(ctx context.Context, key string) (*confusion.Summary, *db.CachedRun, error)
	Put(ctx context.Context, key, scenesFolder string, sceneCount int, summary *confusion.Summary) (string, error)
}

// Config holds the inputs of a run.
type Config struct {
	// Classes is ordered: a class's index is its semantic id.
	Classes []string

	// SkipClasses names classes excluded from instance matching.
	SkipClasses []string

	// IoUThreshold defaults to confusion.DefaultIoUThreshold when zero.
	IoUThreshold float64

	// Workers bounds the number of scenes processed at once. Zero means
	// runtime.NumCPU().
	Workers int
}

// Pipeline runs the per-scene matching over a scenes folder.
type Pipeline struct {
	cfg    Config
	skip   confusion.ClassSet
	loader scene.Loader
	fs     fsutil.FileSystem
	cache  Cache
	clock  timeutil.Clock
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFileSystem sets the filesystem used for scene discovery.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(p *Pipeline) { p.fs = fs }
}

// WithCache enables result caching.
func WithCache(c Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithClock sets the clock used for run timing.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// New validates cfg and returns a Pipeline reading scenes through loader.
func New(cfg Config, loader scene.Loader, opts ...Option) (*Pipeline, error) {
	if loader == nil {
		return nil, errors.New("pipeline: nil scene loader")
	}
	if len(cfg.Classes) == 0 {
		return nil, errors.New("pipeline: class list is empty")
	}
	if cfg.IoUThreshold == 0 {
		cfg.IoUThreshold = confusion.DefaultIoUThreshold
	}
	if cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1 {
		return nil, fmt.Errorf("pipeline: iou threshold %v outside (0, 1]", cfg.IoUThreshold)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("pipeline: negative worker count %d", cfg.Workers)
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	skip, err := confusion.NewClassSet(cfg.Classes, cfg.SkipClasses)
	if err != nil {
		return nil, fmt.Errorf("pipeline: skip classes: %w", err)
	}

	p := &Pipeline{
		cfg:    cfg,
		skip:   skip,
		loader: loader,
		fs:     fsutil.OSFileSystem{},
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Result is the output of Run.
type Result struct {
	Summary *confusion.Summary

	// Scenes lists the scene files that were matched, in merge order. It is
	// empty when the summary came from the cache.
	Scenes []string

	// Warnings collects the encoding warnings of every scene.
	Warnings []SceneWarning

	CacheKey  string
	RunID     string
	FromCache bool
}

// SceneWarning is an encoding warning raised while extracting a scene.
type SceneWarning struct {
	Scene string
	confusion.EncodingWarning
}

// SceneResult is the match table of one scene.
type SceneResult struct {
	Path     string
	Matches  []confusion.MatchResult
	Warnings []confusion.EncodingWarning
}

// Run builds the confusion summary of every scene in folder whose extension
// matches format. When a cache is configured, a stored result for
// (folder, classes) is returned as is; the scene files are not inspected, so
// edits made after the result was stored go unnoticed. The IoU threshold and
// skip classes are not part of the key either.
func (p *Pipeline) Run(ctx context.Context, folder, format string) (*Result, error) {
	key := confusion.CacheKey(folder, p.cfg.Classes)
	if p.cache != nil {
		summary, run, err := p.cache.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("cache lookup: %w", err)
		}
		if summary != nil {
			monitoring.Logf("using cached confusion matrix for %s (run %s)", key, run.RunID)
			monitoring.Logf("cached result ignores the current iou threshold %v and skip classes %v; invalidate it to apply them",
				p.cfg.IoUThreshold, p.cfg.SkipClasses)
			return &Result{Summary: summary, CacheKey: key, RunID: run.RunID, FromCache: true}, nil
		}
	}

	paths, err := scene.Discover(p.fs, folder, format)
	if err != nil {
		return nil, err
	}

	start := p.clock.Now()
	monitoring.Logf("building confusion matrix for %d scenes", len(paths))

	perScene, err := p.RunScenes(ctx, paths)
	if err != nil {
		return nil, err
	}

	res := &Result{Scenes: paths, CacheKey: key}
	var matches []confusion.MatchResult
	for _, sr := range perScene {
		matches = append(matches, sr.Matches...)
		name := scene.Name(sr.Path)
		for _, w := range sr.Warnings {
			res.Warnings = append(res.Warnings, SceneWarning{Scene: name, EncodingWarning: w})
		}
	}

	res.Summary, err = confusion.Aggregate(matches, p.cfg.Classes)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("confusion matrix built: %d scenes, %d instance rows in %v",
		len(paths), res.Summary.Total(), p.clock.Since(start))

	if p.cache != nil {
		runID, err := p.cache.Put(ctx, key, folder, len(paths), res.Summary)
		if err != nil {
			return nil, fmt.Errorf("cache store: %w", err)
		}
		res.RunID = runID
	}
	return res, nil
}

// RunScenes matches every scene in paths with at most Workers scenes in
// flight. The first failure cancels the remaining scenes and is returned;
// no partial results are returned with it.
func (p *Pipeline) RunScenes(ctx context.Context, paths []string) ([]SceneResult, error) {
	results := make([]SceneResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sr, err := p.ProcessScene(gctx, path)
			if err != nil {
				return fmt.Errorf("scene %s: %w", path, err)
			}
			results[i] = *sr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ProcessScene loads one scene and matches its instances. Matches are tagged
// with the scene name.
func (p *Pipeline) ProcessScene(ctx context.Context, path string) (*SceneResult, error) {
	table, err := p.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if table.Path == "" {
		table.Path = path
	}
	prepared, err := scene.Preprocess(table)
	if err != nil {
		return nil, err
	}

	opts := confusion.ExtractOptions{NumClasses: len(p.cfg.Classes), Skip: p.skip}
	pred, predWarnings, err := confusion.ExtractInstances(confusion.ExtractInput{
		Keys:        prepared.Labels(confusion.ColumnInstancePred),
		Confidences: prepared.Confidences,
		Semantics:   prepared.Semantics(confusion.ColumnInstancePred),
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", confusion.ColumnInstancePred, err)
	}
	gt, gtWarnings, err := confusion.ExtractInstances(confusion.ExtractInput{
		Keys:      prepared.Labels(confusion.ColumnInstanceGT),
		Semantics: prepared.Semantics(confusion.ColumnInstanceGT),
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", confusion.ColumnInstanceGT, err)
	}

	warnings := append(predWarnings, gtWarnings...)
	for _, w := range warnings {
		monitoring.Warnf("scene %s: %s", prepared.Name, w)
	}

	matches := confusion.Match(gt, pred, confusion.MatchOptions{IoUThreshold: p.cfg.IoUThreshold})
	for i := range matches {
		matches[i].Scene = prepared.Name
	}
	return &SceneResult{Path: path, Matches: matches, Warnings: warnings}, nil
}
