package scene

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/reis/internal/fsutil"
)

// Loader reads the point table of one scene file.
type Loader interface {
	Load(ctx context.Context, path string) (*Table, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, path string) (*Table, error)

// Load calls f(ctx, path).
func (f LoaderFunc) Load(ctx context.Context, path string) (*Table, error) {
	return f(ctx, path)
}

// CSVLoader reads scenes stored as delimited text with a header row naming
// at least RequiredColumns. Extra columns are ignored. An empty instance
// field is a missing value.
type CSVLoader struct {
	FS    fsutil.FileSystem
	Comma rune // defaults to ','
}

// NewCSVLoader returns a comma-separated loader reading from the OS filesystem.
func NewCSVLoader() *CSVLoader {
	return &CSVLoader{FS: fsutil.OSFileSystem{}, Comma: ','}
}

// Load implements Loader.
func (l *CSVLoader) Load(ctx context.Context, path string) (*Table, error) {
	fsys := l.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scene: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if l.Comma != 0 {
		r.Comma = l.Comma
	}
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &MalformedSceneError{Path: path, Row: -1, Reason: "empty file"}
		}
		return nil, &MalformedSceneError{Path: path, Row: -1, Reason: err.Error()}
	}
	cols, err := columnIndex(header)
	if err != nil {
		return nil, &MalformedSceneError{Path: path, Row: -1, Reason: err.Error()}
	}

	t := &Table{Path: path}
	for row := 0; ; row++ {
		if row%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &MalformedSceneError{Path: path, Row: row, Reason: err.Error()}
		}
		pt, err := parsePoint(record, cols)
		if err != nil {
			return nil, &MalformedSceneError{Path: path, Row: row, Reason: err.Error()}
		}
		t.Points = append(t.Points, pt)
	}
	return t, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	var missing []string
	for _, name := range RequiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func parsePoint(record []string, cols map[string]int) (Point, error) {
	var (
		pt  Point
		err error
	)
	floatField := func(name string, dst *float64) {
		if err != nil {
			return
		}
		*dst, err = parseFloat(record[cols[name]], name, false)
	}
	intField := func(name string, dst *int) {
		if err != nil {
			return
		}
		var v float64
		v, err = parseFloat(record[cols[name]], name, false)
		if err == nil {
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				err = fmt.Errorf("%s: %q is not an integer", name, record[cols[name]])
				return
			}
			*dst = int(v)
		}
	}
	instanceField := func(name string, dst *float64) {
		if err != nil {
			return
		}
		*dst, err = parseFloat(record[cols[name]], name, true)
	}

	floatField("x", &pt.X)
	floatField("y", &pt.Y)
	floatField("z", &pt.Z)
	floatField("r", &pt.R)
	floatField("g", &pt.G)
	floatField("b", &pt.B)
	intField("semantic_pred", &pt.SemanticPred)
	floatField("semantic_pred_confs", &pt.SemanticPredConfs)
	intField("semantic_gt", &pt.SemanticGT)
	instanceField("instance_pred", &pt.InstancePred)
	instanceField("instance_gt", &pt.InstanceGT)
	return pt, err
}

// parseFloat parses a numeric field. When optional is set, an empty field or
// a NaN spelling yields NaN.
func parseFloat(s, name string, optional bool) (float64, error) {
	s = strings.TrimSpace(s)
	if optional && (s == "" || strings.EqualFold(s, "nan")) {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, s)
	}
	return v, nil
}
