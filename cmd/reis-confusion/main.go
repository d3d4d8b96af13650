// Command reis-confusion builds the instance-level confusion matrix of a
// folder of labelled point-cloud scenes and prints it with per-class metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/banshee-data/reis/internal/api"
	"github.com/banshee-data/reis/internal/config"
	"github.com/banshee-data/reis/internal/confusion"
	"github.com/banshee-data/reis/internal/db"
	"github.com/banshee-data/reis/internal/fsutil"
	"github.com/banshee-data/reis/internal/monitoring"
	"github.com/banshee-data/reis/internal/pipeline"
	"github.com/banshee-data/reis/internal/scene"
	"github.com/banshee-data/reis/internal/security"
	"github.com/banshee-data/reis/internal/version"
)

// Options holds the command line.
type Options struct {
	ConfigPath string
	Scenes     string
	Format     string
	Classes    string
	Skip       string
	IoU        float64
	Workers    int
	CachePath  string
	NoCache    bool
	Refresh    bool
	ListCache  bool
	OutputJSON string
	Serve      string
	NoColor    bool
	Quiet      bool
	Version    bool

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*Options, error) {
	opts := &Options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("reis-confusion", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.ConfigPath, "config", "", "Path to a JSON config file (default "+config.DefaultConfigPath+" when present)")
	fs.StringVar(&opts.Scenes, "scenes", "", "Folder containing the scene files")
	fs.StringVar(&opts.Format, "format", "", "Scene file extension, e.g. csv or .csv")
	fs.StringVar(&opts.Classes, "classes", "", "Comma-separated class names; the index is the semantic id")
	fs.StringVar(&opts.Skip, "skip", "", "Comma-separated classes excluded from instance matching (not part of the cache key; use -refresh after changing)")
	fs.Float64Var(&opts.IoU, "iou", 0, "IoU threshold for a match (default 0.25; not part of the cache key, use -refresh after changing)")
	fs.IntVar(&opts.Workers, "workers", 0, "Scenes processed in parallel (0 = one per CPU)")
	fs.StringVar(&opts.CachePath, "cache", "", "SQLite result cache path")
	fs.BoolVar(&opts.NoCache, "no-cache", false, "Neither read nor write the result cache")
	fs.BoolVar(&opts.Refresh, "refresh", false, "Drop the cached result for these scenes and classes before running")
	fs.BoolVar(&opts.ListCache, "list-cache", false, "List cached runs and exit")
	fs.StringVar(&opts.OutputJSON, "json", "", "Write infer_info, confusion_info and mtx to this JSON file")
	fs.StringVar(&opts.Serve, "serve", "", "After the run, serve the result as JSON on this address (e.g. localhost:8090)")
	fs.BoolVar(&opts.NoColor, "no-color", false, "Disable coloured output")
	fs.BoolVar(&opts.Quiet, "quiet", false, "Only log warnings and errors")
	fs.BoolVar(&opts.Version, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(fsys fsutil.FileSystem, opts *Options) (*config.ConfusionConfig, error) {
	cfg := config.EmptyConfusionConfig()
	path := opts.ConfigPath
	if path == "" && fsys.Exists(config.DefaultConfigPath) {
		path = config.DefaultConfigPath
	}
	if path != "" {
		loaded, err := config.LoadConfusionConfigFS(fsys, path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.set["scenes"] {
		cfg.ScenesFolder = &opts.Scenes
	}
	if opts.set["format"] {
		cfg.ScenesFormat = &opts.Format
	}
	if opts.set["classes"] {
		cfg.Classes = splitList(opts.Classes)
	}
	if opts.set["skip"] {
		cfg.Sem2InsClasses = splitList(opts.Skip)
	}
	if opts.set["iou"] {
		cfg.IoUThreshold = &opts.IoU
	}
	if opts.set["workers"] {
		cfg.Workers = &opts.Workers
	}
	if opts.set["cache"] {
		cfg.CachePath = &opts.CachePath
	}
	if opts.NoCache {
		useCache := false
		cfg.UseCache = &useCache
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("reis-confusion: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.Version {
		fmt.Fprintf(stdout, "reis-confusion %s\n", version.String())
		return nil
	}
	if opts.NoColor {
		color.NoColor = true
	}
	if opts.Quiet {
		monitoring.SetLogger(func(format string, v ...interface{}) {
			if strings.HasPrefix(format, "WARNING: ") {
				log.Printf(format, v...)
			}
		})
	}

	fsys := fsutil.OSFileSystem{}
	cfg, err := loadConfig(fsys, opts)
	if err != nil {
		return err
	}

	var store *db.CacheStore
	if opts.ListCache || cfg.GetUseCache() {
		database, err := db.NewDB(cfg.GetCachePath())
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer database.Close()
		store = db.NewCacheStore(database, nil)
	}
	if opts.ListCache {
		return listCache(ctx, store, stdout)
	}

	if err := cfg.Complete(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	folder := cfg.GetScenesFolder()

	var pipeOpts []pipeline.Option
	if store != nil {
		if opts.Refresh {
			key := confusion.CacheKey(folder, cfg.Classes)
			if removed, err := store.Invalidate(ctx, key); err != nil {
				return err
			} else if removed {
				log.Printf("dropped cached result for %s", key)
			}
		}
		pipeOpts = append(pipeOpts, pipeline.WithCache(store))
	}

	p, err := pipeline.New(pipeline.Config{
		Classes:      cfg.Classes,
		SkipClasses:  cfg.Sem2InsClasses,
		IoUThreshold: cfg.GetIoUThreshold(),
		Workers:      cfg.GetWorkers(),
	}, scene.NewCSVLoader(), pipeOpts...)
	if err != nil {
		return err
	}

	res, err := p.Run(ctx, folder, cfg.GetScenesFormat())
	if err != nil {
		return err
	}

	if res.FromCache {
		fmt.Fprintf(stdout, "Cached result %s for %s\n\n", res.RunID, res.CacheKey)
	} else {
		fmt.Fprintf(stdout, "Matched %d scenes from %s\n\n", len(res.Scenes), folder)
	}
	printMatrix(stdout, res.Summary)
	fmt.Fprintln(stdout)
	printMetrics(stdout, res.Summary)
	if len(res.Warnings) > 0 {
		fmt.Fprintf(stdout, "\n%s\n", color.YellowString("%d instance encoding warnings", len(res.Warnings)))
	}

	if opts.OutputJSON != "" {
		if err := exportJSON(fsys, opts.OutputJSON, res.Summary); err != nil {
			return err
		}
		log.Printf("Results written to: %s", opts.OutputJSON)
	}

	if opts.Serve != "" {
		var runs api.RunLister
		if store != nil {
			runs = store
		}
		srv := api.NewServer(runs)
		srv.SetSummary(res.Summary)
		return srv.ListenAndServe(ctx, opts.Serve)
	}
	return nil
}

// printMatrix right-aligns the matrix. Widths are measured on the plain
// cell text and colour is applied after padding, so escape codes do not
// shift the columns.
func printMatrix(w io.Writer, s *confusion.Summary) {
	rows, cols := s.RowLabels(), s.ColumnLabels()
	counts := s.Counts()
	k := len(s.Classes)

	type cell struct {
		text  string
		paint func(format string, a ...interface{}) string
	}
	table := make([][]cell, 0, len(rows)+1)
	header := []cell{{text: "true \\ pred"}}
	for _, c := range cols {
		header = append(header, cell{text: c})
	}
	table = append(table, header)
	for i, r := range rows {
		line := []cell{{text: r}}
		for j := range cols {
			c := cell{text: strconv.Itoa(counts[i][j])}
			switch {
			case counts[i][j] == 0:
			case i == j:
				c.paint = color.GreenString
			case i == k || j == k:
				c.paint = color.YellowString
			default:
				c.paint = color.RedString
			}
			line = append(line, c)
		}
		table = append(table, line)
	}

	widths := make([]int, len(header))
	for _, line := range table {
		for j, c := range line {
			widths[j] = max(widths[j], utf8.RuneCountInString(c.text))
		}
	}
	for _, line := range table {
		var b strings.Builder
		for j, c := range line {
			if j > 0 {
				b.WriteString("  ")
			}
			b.WriteString(strings.Repeat(" ", widths[j]-utf8.RuneCountInString(c.text)))
			if c.paint != nil {
				b.WriteString(c.paint("%s", c.text))
			} else {
				b.WriteString(c.text)
			}
		}
		fmt.Fprintln(w, b.String())
	}
}

func printMetrics(w io.Writer, s *confusion.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "class\tTP\tFP\tFN\tprecision\trecall\tF1\t")
	for _, m := range s.ClassMetrics() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t\n", m.Class, m.TP, m.FP, m.FN, m.Precision, m.Recall, m.F1)
	}
	tw.Flush()
}

func listCache(ctx context.Context, store *db.CacheStore, w io.Writer) error {
	runs, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "cache is empty")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "run\tcreated\tscenes\trows\tkey")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.RunID, r.Created().Format("2006-01-02 15:04:05"), r.SceneCount, r.MatchCount, r.CacheKey)
	}
	return tw.Flush()
}

func exportJSON(fsys fsutil.FileSystem, path string, s *confusion.Summary) error {
	if err := security.ValidateExportPath(path); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := fsys.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
