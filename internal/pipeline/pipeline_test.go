package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/reis/internal/confusion"
	"github.com/banshee-data/reis/internal/db"
	"github.com/banshee-data/reis/internal/monitoring"
	"github.com/banshee-data/reis/internal/scene"
	"github.com/banshee-data/reis/internal/testutil"
	"github.com/banshee-data/reis/internal/timeutil"
)

var classes = []string{"wall", "chair", "table"}

const k = 3 // len(classes), index of the FP row and FN column

func init() {
	monitoring.SetLogger(nil)
}

// overlapScene has a wall instance on rows 0-3 and a predicted wall on rows
// 2-5 with confidence 0.9: IoU 2/6.
func overlapScene() []testutil.SceneRow {
	return []testutil.SceneRow{
		testutil.Row(-1, 0.9, 0),
		testutil.Row(-1, 0.9, 0),
		testutil.Row(1, 0.9, 0),
		testutil.Row(1, 0.9, 0),
		testutil.Row(1, 0.9, -1),
		testutil.Row(1, 0.9, -1),
	}
}

// competingScene has one chair on rows 0-3. Prediction 1001 (0.9) covers rows
// 0-1, prediction 1002 (0.5) covers rows 2-4.
func competingScene() []testutil.SceneRow {
	return []testutil.SceneRow{
		testutil.Row(1001, 0.9, 1000),
		testutil.Row(1001, 0.9, 1000),
		testutil.Row(1002, 0.5, 1000),
		testutil.Row(1002, 0.5, 1000),
		testutil.Row(1002, 0.5, -1),
	}
}

func newPipeline(t *testing.T, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	if cfg.Classes == nil {
		cfg.Classes = classes
	}
	p, err := New(cfg, scene.NewCSVLoader(), opts...)
	require.NoError(t, err)
	return p
}

func TestNew_Validation(t *testing.T) {
	loader := scene.NewCSVLoader()

	_, err := New(Config{Classes: classes}, nil)
	assert.Error(t, err)
	_, err = New(Config{}, loader)
	assert.Error(t, err)
	_, err = New(Config{Classes: classes, IoUThreshold: 1.5}, loader)
	assert.Error(t, err)
	_, err = New(Config{Classes: classes, Workers: -1}, loader)
	assert.Error(t, err)
	_, err = New(Config{Classes: classes, SkipClasses: []string{"door"}}, loader)
	assert.Error(t, err)

	p, err := New(Config{Classes: classes}, loader)
	require.NoError(t, err)
	assert.Equal(t, confusion.DefaultIoUThreshold, p.cfg.IoUThreshold)
	assert.Positive(t, p.cfg.Workers)
}

func TestRun_ThresholdScenario(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "room.csv", overlapScene())

	res, err := newPipeline(t, Config{IoUThreshold: 0.25}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	counts := res.Summary.Counts()
	assert.Equal(t, 1, counts[0][0])
	assert.Equal(t, 1, res.Summary.Total())
	require.Len(t, res.Summary.InferInfo, 1)
	assert.Equal(t, "room", res.Summary.InferInfo[0].Scene)
	assert.InDelta(t, 1.0/3.0, res.Summary.InferInfo[0].IoU, 1e-9)

	res, err = newPipeline(t, Config{IoUThreshold: 0.5}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	counts = res.Summary.Counts()
	assert.Equal(t, 0, counts[0][0])
	assert.Equal(t, 1, counts[0][k], "FN at wall")
	assert.Equal(t, 1, counts[k][0], "FP at wall")
}

func TestRun_HigherConfidenceWins(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "office.csv", competingScene())

	res, err := newPipeline(t, Config{}).Run(context.Background(), dir, ".csv")
	require.NoError(t, err)

	counts := res.Summary.Counts()
	assert.Equal(t, 1, counts[1][1])
	assert.Equal(t, 1, counts[k][1])

	tp := res.Summary.Cell("chair", "chair")
	require.Len(t, tp, 1)
	assert.Equal(t, 1001, tp[0].InstancePred)

	fp := res.Summary.Cell(confusion.FPName, "chair")
	require.Len(t, fp, 1)
	assert.Equal(t, 1002, fp[0].InstancePred)
}

func TestRun_MultipleScenesDeterministic(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		rows := competingScene()
		if i%2 == 0 {
			rows = overlapScene()
		}
		testutil.WriteScene(t, dir, fmt.Sprintf("scene_%02d.csv", i), rows)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0644))

	serial, err := newPipeline(t, Config{Workers: 1}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	parallel, err := newPipeline(t, Config{Workers: 4}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	again, err := newPipeline(t, Config{Workers: 4}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)

	assert.Len(t, serial.Scenes, 6)
	assert.Equal(t, serial.Summary.Counts(), parallel.Summary.Counts())
	assert.Equal(t, serial.Summary.InferInfo, parallel.Summary.InferInfo)
	assert.Equal(t, parallel.Summary.Counts(), again.Summary.Counts())
	assert.Equal(t, []string{"scene_00", "scene_01", "scene_02", "scene_03", "scene_04", "scene_05"}, parallel.Summary.Scenes())

	// 3 overlap scenes with one TP each, 3 competing scenes with one TP and one FP.
	assert.Equal(t, 9, parallel.Summary.Total())
}

func TestRun_SkipClasses(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "room.csv", overlapScene())
	testutil.WriteScene(t, dir, "office.csv", competingScene())

	res, err := newPipeline(t, Config{SkipClasses: []string{"wall"}}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	for _, m := range res.Summary.InferInfo {
		assert.NotEqual(t, 0, m.TrueClass)
		assert.NotEqual(t, 0, m.PredClass)
	}
	assert.Equal(t, 2, res.Summary.Total())
}

func TestRun_FailFast(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "a.csv", overlapScene())
	bad := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(bad, []byte("x,y,z\n1,2,3\n"), 0644))
	testutil.WriteScene(t, dir, "c.csv", overlapScene())

	res, err := newPipeline(t, Config{Workers: 2}).Run(context.Background(), dir, "csv")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), bad)

	var mse *scene.MalformedSceneError
	assert.True(t, errors.As(err, &mse))
}

func TestRunScenes_CancelsRemaining(t *testing.T) {
	var loaded atomic.Int32
	loader := scene.LoaderFunc(func(ctx context.Context, path string) (*scene.Table, error) {
		loaded.Add(1)
		if strings.HasSuffix(path, "000") {
			return nil, errors.New("disk on fire")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p, err := New(Config{Classes: classes, Workers: 2}, loader)
	require.NoError(t, err)

	paths := make([]string, 50)
	for i := range paths {
		paths[i] = fmt.Sprintf("scene%03d", i)
	}
	_, err = p.RunScenes(context.Background(), paths)
	require.Error(t, err)
	assert.Less(t, int(loaded.Load()), len(paths))
}

func TestRun_ClassOutOfRange(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "room.csv", []testutil.SceneRow{
		testutil.Row(-1, 0.5, 7000),
	})

	_, err := newPipeline(t, Config{}).Run(context.Background(), dir, "csv")
	require.Error(t, err)
	assert.ErrorIs(t, err, confusion.ErrClassOutOfRange)
}

func TestRun_EncodingWarnings(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	rows := []testutil.SceneRow{testutil.Row(-1, 0.5, 1005), testutil.Row(-1, 0.5, 1005)}
	for i := range rows {
		rows[i].SemanticGT = 2 // key 1005 decodes to chair
	}
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "odd.csv", rows)

	p, err := New(Config{Classes: classes, Workers: 1}, scene.NewCSVLoader())
	require.NoError(t, err)
	res, err := p.Run(context.Background(), dir, "csv")
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "odd", res.Warnings[0].Scene)
	assert.Equal(t, 1005, res.Warnings[0].Key)
	assert.Equal(t, 2, res.Warnings[0].PointClass)

	var warned bool
	for _, line := range logged {
		if strings.HasPrefix(line, "WARNING: scene odd") {
			warned = true
		}
	}
	assert.True(t, warned, "logged: %v", logged)
}

func TestRun_PredictionOverflowWarning(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	// wall points predicted with local id 1000, which encodes as chair 0
	rows := []testutil.SceneRow{testutil.Row(1000, 0.8, 0), testutil.Row(1000, 0.8, 0)}
	for i := range rows {
		rows[i].SemanticPred = 0
	}
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "spill.csv", rows)

	res, err := newPipeline(t, Config{Workers: 1}).Run(context.Background(), dir, "csv")
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	w := res.Warnings[0]
	assert.Equal(t, "spill", w.Scene)
	assert.Equal(t, 1000, w.Key)
	assert.Equal(t, 1, w.DecodedClass)
	assert.Equal(t, 0, w.PointClass)

	// the row is still counted under the decoded class
	assert.Equal(t, 1, res.Summary.Counts()[0][1])

	var warned bool
	for _, line := range logged {
		if strings.HasPrefix(line, "WARNING: scene spill: instance key 1000") {
			warned = true
		}
	}
	assert.True(t, warned, "logged: %v", logged)
}

func TestRun_Cache(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	dir := t.TempDir()
	scenePath := testutil.WriteScene(t, dir, "room.csv", overlapScene())

	database, err := db.NewDB(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer database.Close()
	clock := timeutil.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := db.NewCacheStore(database, clock)

	p := newPipeline(t, Config{}, WithCache(store), WithClock(clock))
	first, err := p.Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, confusion.CacheKey(dir, classes), first.CacheKey)

	// the cache does not look at scene contents
	require.NoError(t, os.WriteFile(scenePath, []byte("garbage"), 0644))

	second, err := p.Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.Summary.Counts(), second.Summary.Counts())
	assert.Equal(t, first.Summary.InferInfo, second.Summary.InferInfo)

	// a changed threshold still hits the entry stored under (folder, classes)
	stricter := newPipeline(t, Config{IoUThreshold: 0.9, SkipClasses: []string{"table"}}, WithCache(store), WithClock(clock))
	third, err := stricter.Run(context.Background(), dir, "csv")
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, first.Summary.Counts(), third.Summary.Counts())
	assert.Contains(t, strings.Join(logged, "\n"), "ignores the current iou threshold 0.9 and skip classes [table]")

	removed, err := store.Invalidate(context.Background(), first.CacheKey)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = p.Run(context.Background(), dir, "csv")
	assert.Error(t, err, "invalidated entry forces a reload of the broken scene")
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*confusion.Summary, *db.CachedRun, error) {
	return nil, nil, errors.New("cache unavailable")
}

func (failingCache) Put(context.Context, string, string, int, *confusion.Summary) (string, error) {
	return "", errors.New("cache unavailable")
}

func TestRun_CacheErrors(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteScene(t, dir, "room.csv", overlapScene())

	_, err := newPipeline(t, Config{}, WithCache(failingCache{})).Run(context.Background(), dir, "csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache lookup")
}

func TestRun_EmptyFolder(t *testing.T) {
	res, err := newPipeline(t, Config{}).Run(context.Background(), t.TempDir(), "csv")
	require.NoError(t, err)
	assert.Zero(t, res.Summary.Total())
	assert.Empty(t, res.Scenes)
}

func TestRun_MissingFolder(t *testing.T) {
	_, err := newPipeline(t, Config{}).Run(context.Background(), filepath.Join(t.TempDir(), "nope"), "csv")
	assert.Error(t, err)
}
