package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/banshee-data/reis/internal/fsutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confusion.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfusionConfigDefaults(t *testing.T) {
	cfg := EmptyConfusionConfig()

	if got := cfg.GetIoUThreshold(); got != 0.25 {
		t.Errorf("GetIoUThreshold() = %v, want 0.25", got)
	}
	if got := cfg.GetScenesFormat(); got != ".csv" {
		t.Errorf("GetScenesFormat() = %q, want .csv", got)
	}
	if got := cfg.GetWorkers(); got != runtime.NumCPU() {
		t.Errorf("GetWorkers() = %d, want %d", got, runtime.NumCPU())
	}
	if got := cfg.GetCachePath(); got != "cache/confusion.db" {
		t.Errorf("GetCachePath() = %q", got)
	}
	if !cfg.GetUseCache() {
		t.Error("GetUseCache() = false, want true")
	}
	if got := cfg.GetScenesFolder(); got != "" {
		t.Errorf("GetScenesFolder() = %q, want empty", got)
	}
}

func TestLoadDefaultConfigFile(t *testing.T) {
	cfg, err := LoadConfusionConfig("../../config/confusion.defaults.json")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if len(cfg.Classes) != 13 || cfg.Classes[0] != "ceiling" || cfg.Classes[12] != "clutter" {
		t.Errorf("unexpected classes %v", cfg.Classes)
	}
	if got := cfg.GetIoUThreshold(); got != 0.25 {
		t.Errorf("GetIoUThreshold() = %v, want 0.25", got)
	}
	if err := cfg.Complete(); err != nil {
		t.Errorf("Complete() = %v", err)
	}
	if len(cfg.Sem2InsClasses) != 3 {
		t.Errorf("Sem2InsClasses = %v", cfg.Sem2InsClasses)
	}
}

func TestLoadConfusionConfigPartial(t *testing.T) {
	path := writeConfig(t, `{
  "classes": ["wall", "chair"],
  "iou_threshold": 0.5
}`)

	cfg, err := LoadConfusionConfig(path)
	if err != nil {
		t.Fatalf("Failed to load partial config: %v", err)
	}
	if got := cfg.GetIoUThreshold(); got != 0.5 {
		t.Errorf("Expected overridden IoUThreshold 0.5, got %v", got)
	}
	if got := cfg.GetScenesFormat(); got != ".csv" {
		t.Errorf("Expected default format, got %q", got)
	}
	if !cfg.GetUseCache() {
		t.Error("Expected default UseCache true")
	}
}

func TestLoadConfusionConfigAllFields(t *testing.T) {
	path := writeConfig(t, `{
  "classes": ["wall", "chair", "table"],
  "sem2ins_classes": ["wall"],
  "iou_threshold": 1,
  "scenes_folder": "/data/val",
  "scenes_format": "ply",
  "workers": 3,
  "cache_path": "/tmp/c.db",
  "use_cache": false
}`)

	cfg, err := LoadConfusionConfig(path)
	if err != nil {
		t.Fatalf("LoadConfusionConfig: %v", err)
	}
	if cfg.GetIoUThreshold() != 1 || cfg.GetScenesFolder() != "/data/val" || cfg.GetScenesFormat() != "ply" ||
		cfg.GetWorkers() != 3 || cfg.GetCachePath() != "/tmp/c.db" || cfg.GetUseCache() {
		t.Errorf("unexpected config %+v", cfg)
	}
	if len(cfg.Sem2InsClasses) != 1 || cfg.Sem2InsClasses[0] != "wall" {
		t.Errorf("Sem2InsClasses = %v", cfg.Sem2InsClasses)
	}
}

func TestLoadConfusionConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		want string
	}{
		{"missing", func(*testing.T) string { return "/nonexistent/confusion.json" }, "stat"},
		{"not json extension", func(*testing.T) string { return "/some/path/config.yaml" }, ".json extension"},
		{"bad json", func(t *testing.T) string { return writeConfig(t, `{"classes": [`) }, "parse"},
		{"invalid values", func(t *testing.T) string { return writeConfig(t, `{"iou_threshold": 0}`) }, "invalid configuration"},
		{"too large", func(t *testing.T) string {
			path := filepath.Join(t.TempDir(), "large.json")
			if err := os.WriteFile(path, make([]byte, 2*1024*1024), 0644); err != nil {
				t.Fatal(err)
			}
			return path
		}, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfusionConfig(tt.path(t))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ConfusionConfig
		wantErr bool
	}{
		{"empty", ConfusionConfig{}, false},
		{"threshold one", ConfusionConfig{IoUThreshold: ptrFloat64(1)}, false},
		{"threshold zero", ConfusionConfig{IoUThreshold: ptrFloat64(0)}, true},
		{"threshold above one", ConfusionConfig{IoUThreshold: ptrFloat64(1.01)}, true},
		{"negative workers", ConfusionConfig{Workers: ptrInt(-1)}, true},
		{"zero workers", ConfusionConfig{Workers: ptrInt(0)}, false},
		{"bare dot format", ConfusionConfig{ScenesFormat: ptrString(".")}, true},
		{"duplicate class", ConfusionConfig{Classes: []string{"a", "b", "a"}}, true},
		{"empty class name", ConfusionConfig{Classes: []string{"a", ""}}, true},
		{"sem2ins subset", ConfusionConfig{Classes: []string{"a", "b"}, Sem2InsClasses: []string{"b"}}, false},
		{"sem2ins unknown", ConfusionConfig{Classes: []string{"a"}, Sem2InsClasses: []string{"z"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComplete(t *testing.T) {
	cfg := ConfusionConfig{ScenesFolder: ptrString("/data")}
	if err := cfg.Complete(); err == nil {
		t.Error("expected error for empty classes")
	}

	cfg.Classes = []string{"wall"}
	if err := cfg.Complete(); err != nil {
		t.Errorf("Complete() = %v", err)
	}

	cfg.ScenesFolder = nil
	if err := cfg.Complete(); err == nil {
		t.Error("expected error for missing scenes folder")
	}

	cfg = ConfusionConfig{Classes: []string{"wall"}, ScenesFolder: ptrString("/data"), UseCache: ptrBool(false)}
	if err := cfg.Complete(); err != nil || cfg.GetUseCache() {
		t.Errorf("Complete() = %v, UseCache = %v", err, cfg.GetUseCache())
	}
}

func TestLoadConfusionConfigFS(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	if err := fsys.WriteFile("conf/run.json", []byte(`{"classes": ["wall", "chair"], "workers": 2}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfusionConfigFS(fsys, "conf/run.json")
	if err != nil {
		t.Fatalf("LoadConfusionConfigFS: %v", err)
	}
	if got := cfg.GetWorkers(); got != 2 {
		t.Errorf("GetWorkers() = %d, want 2", got)
	}
	if len(cfg.Classes) != 2 || cfg.Classes[1] != "chair" {
		t.Errorf("Classes = %v", cfg.Classes)
	}

	if _, err := LoadConfusionConfigFS(fsys, "conf/missing.json"); err == nil {
		t.Error("expected error for missing file")
	}
}
