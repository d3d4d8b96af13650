package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/banshee-data/reis/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical confusion defaults file.
const DefaultConfigPath = "config/confusion.defaults.json"

// Fallbacks used by the Get* accessors for fields the file leaves out.
const (
	DefaultIoUThreshold = 0.25
	DefaultScenesFormat = ".csv"
	DefaultCachePath    = "cache/confusion.db"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ConfusionConfig holds the inputs of a confusion run. Nil fields take the
// defaults returned by the Get* accessors.
type ConfusionConfig struct {
	// Classes is ordered: a class's index is its semantic id.
	Classes []string `json:"classes,omitempty"`

	// Sem2InsClasses names classes excluded from instance matching.
	Sem2InsClasses []string `json:"sem2ins_classes,omitempty"`

	IoUThreshold *float64 `json:"iou_threshold,omitempty"`
	ScenesFolder *string  `json:"scenes_folder,omitempty"`
	ScenesFormat *string  `json:"scenes_format,omitempty"`

	// Workers bounds scene parallelism; 0 means one per CPU.
	Workers *int `json:"workers,omitempty"`

	CachePath *string `json:"cache_path,omitempty"`
	UseCache  *bool   `json:"use_cache,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfusionConfig returns a ConfusionConfig with all fields unset.
func EmptyConfusionConfig() *ConfusionConfig {
	return &ConfusionConfig{}
}

// LoadConfusionConfig loads a ConfusionConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their defaults, so partial configs are safe.
func LoadConfusionConfig(path string) (*ConfusionConfig, error) {
	return LoadConfusionConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadConfusionConfigFS is LoadConfusionConfig reading through fsys.
func LoadConfusionConfigFS(fsys fsutil.FileSystem, path string) (*ConfusionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfusionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid. An empty class
// list is accepted here so partial files load; Complete rejects it.
func (c *ConfusionConfig) Validate() error {
	if c.IoUThreshold != nil {
		if v := *c.IoUThreshold; !(v > 0 && v <= 1) {
			return fmt.Errorf("iou_threshold must be in (0, 1], got %f", v)
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", *c.Workers)
	}
	if c.ScenesFormat != nil && *c.ScenesFormat == "." {
		return fmt.Errorf("invalid scenes_format %q", *c.ScenesFormat)
	}

	seen := make(map[string]bool, len(c.Classes))
	for i, name := range c.Classes {
		if name == "" {
			return fmt.Errorf("classes[%d] is empty", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate class %q", name)
		}
		seen[name] = true
	}
	for _, name := range c.Sem2InsClasses {
		if !seen[name] {
			return fmt.Errorf("sem2ins class %q is not in classes", name)
		}
	}
	return nil
}

// Complete validates the configuration and additionally requires the fields
// a run cannot do without.
func (c *ConfusionConfig) Complete() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("classes must not be empty")
	}
	if c.GetScenesFolder() == "" {
		return fmt.Errorf("scenes_folder must be set")
	}
	return nil
}

// GetIoUThreshold returns the matching threshold or DefaultIoUThreshold.
func (c *ConfusionConfig) GetIoUThreshold() float64 {
	if c.IoUThreshold == nil {
		return DefaultIoUThreshold
	}
	return *c.IoUThreshold
}

func (c *ConfusionConfig) GetScenesFolder() string {
	if c.ScenesFolder == nil {
		return ""
	}
	return *c.ScenesFolder
}

func (c *ConfusionConfig) GetScenesFormat() string {
	if c.ScenesFormat == nil {
		return DefaultScenesFormat
	}
	return *c.ScenesFormat
}

// GetWorkers returns the worker count, resolving 0 or nil to runtime.NumCPU().
func (c *ConfusionConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}

func (c *ConfusionConfig) GetCachePath() string {
	if c.CachePath == nil {
		return DefaultCachePath
	}
	return *c.CachePath
}

func (c *ConfusionConfig) GetUseCache() bool {
	if c.UseCache == nil {
		return true
	}
	return *c.UseCache
}
