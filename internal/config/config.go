// Package config parses the engine's recognized open-time options from a
// YAML document, in the manner of cuemby-warren's resource manifests
// (gopkg.in/yaml.v3 struct tags plus post-decode validation).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/latticekv/lattice/pkg/errors"
	"github.com/latticekv/lattice/internal/wal"
)

var validPageSizes = map[int]bool{1024: true, 2048: true, 4096: true, 8192: true, 16384: true}

// VolumeSpec describes one volume's file placement and growth policy.
// InitialSize, ExtensionSize and MaxSize are parsed but not consulted: a
// volume grows in fixed 1024-page chunks with no upper bound.
type VolumeSpec struct {
	Path         string `yaml:"path"`
	CreateIfMissing bool `yaml:"create_if_missing"`
	InitialSize  int64  `yaml:"initial_size"`
	ExtensionSize int64 `yaml:"extension_size"`
	MaxSize      int64  `yaml:"max_size"`
}

// Options is the full set of recognized engine options.
type Options struct {
	PageSize    int `yaml:"page_size"`
	BufferCount int `yaml:"buffer_count"`
	BufferMemory int64 `yaml:"buffer_memory"`

	JournalPath string `yaml:"journal_path"`

	VolumeSpecification VolumeSpec `yaml:"volume_specification"`

	CommitPolicy       string        `yaml:"commit_policy"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	AppendOnly         bool          `yaml:"append_only"`

	TmpVolDir     string `yaml:"tmp_vol_dir"`
	TmpVolMaxSize int64  `yaml:"tmp_vol_max_size"`

	BufferInventoryEnabled bool `yaml:"buffer_inventory_enabled"`
	BufferPreloadEnabled   bool `yaml:"buffer_preload_enabled"`

	// LongValueFraction is validated to lie in (0,1) but is not read by the
	// B-tree: a value is stored out-of-line as a long-value chain when its
	// length exceeds a fixed quarter of the page size.
	LongValueFraction float64 `yaml:"long_value_fraction"`
}

// Default returns an Options populated with the engine's defaults, the
// same values Parse falls back to when a YAML document omits a key.
func Default() Options {
	return Options{
		PageSize:               4096,
		BufferCount:            1024,
		CommitPolicy:           "GROUP",
		CheckpointInterval:     30 * time.Second,
		TmpVolDir:              os.TempDir(),
		TmpVolMaxSize:          1 << 30,
		BufferInventoryEnabled: true,
		BufferPreloadEnabled:   false,
		LongValueFraction:      0.25,
	}
}

// Load reads and parses a YAML configuration document, merging it over
// Default() and validating the result.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, apperrors.StorageIoError("read config %q", err, path)
	}
	return Parse(data)
}

// Parse decodes a YAML document over Default() and validates it.
func Parse(data []byte) (Options, error) {
	opts := Default()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, apperrors.ConfigurationError("parse config: %v", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects option combinations the engine cannot honor.
func (o Options) Validate() error {
	if !validPageSizes[o.PageSize] {
		return apperrors.ConfigurationError("unsupported page_size %d", o.PageSize)
	}
	if o.BufferCount <= 0 && o.BufferMemory <= 0 {
		return apperrors.ConfigurationError("one of buffer_count or buffer_memory must be positive")
	}
	if _, err := o.commitPolicy(); err != nil {
		return err
	}
	if o.CheckpointInterval <= 0 {
		return apperrors.ConfigurationError("checkpoint_interval must be positive")
	}
	if o.LongValueFraction <= 0 || o.LongValueFraction >= 1 {
		return apperrors.ConfigurationError("long_value_fraction must be in (0,1)")
	}
	return nil
}

func (o Options) commitPolicy() (wal.CommitPolicy, error) {
	switch o.CommitPolicy {
	case "SOFT":
		return wal.CommitSoft, nil
	case "HARD":
		return wal.CommitHard, nil
	case "GROUP", "":
		return wal.CommitGroup, nil
	default:
		return 0, apperrors.ConfigurationError("unsupported commit_policy %q", o.CommitPolicy)
	}
}

// CommitPolicyResolved returns the resolved wal.CommitPolicy for this configuration.
// Validate must have succeeded before calling this.
func (o Options) CommitPolicyResolved() wal.CommitPolicy {
	p, _ := o.commitPolicy()
	return p
}

// ResolvedBufferCount returns the frame count the buffer pool should size
// to, deriving it from BufferMemory when BufferCount is unset.
func (o Options) ResolvedBufferCount() int {
	if o.BufferCount > 0 {
		return o.BufferCount
	}
	return int(o.BufferMemory / int64(o.PageSize))
}
