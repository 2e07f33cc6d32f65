package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMinDegree    = 2
	DefaultLevels       = 1
	DefaultMultiplier   = 10
	DefaultFilterBits   = 32 * 1024
	DefaultFilterHashes = 10
)

// Compression names accepted by Options.Compression.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
)

// Options configures an LSMTree.
//
// Levels and Multiplier are fixed for the lifetime of the data
// directory: reopening existing files with different values is
// not supported.
type Options struct {
	Dir            string `yaml:"dir"`             // Directory holding one data file per level
	MinDegree      int    `yaml:"min_degree"`      // Memtable tree minimum degree (t >= 2)
	Levels         int    `yaml:"levels"`          // Number of sorted runs (N >= 0)
	Multiplier     int    `yaml:"multiplier"`      // Level growth factor (m >= 1)
	FlushThreshold int    `yaml:"flush_threshold"` // Memtable entry bound; 0 means Multiplier
	FilterBits     uint   `yaml:"filter_bits"`     // Bloom filter size per run
	FilterHashes   uint   `yaml:"filter_hashes"`   // Bloom filter probes per key
	Compression    string `yaml:"compression"`     // Value compression on disk

	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns the default options rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:          dir,
		MinDegree:    DefaultMinDegree,
		Levels:       DefaultLevels,
		Multiplier:   DefaultMultiplier,
		FilterBits:   DefaultFilterBits,
		FilterHashes: DefaultFilterHashes,
		Compression:  CompressionNone,
	}
}

// Validate checks the options, returning an error wrapping
// ErrInvalidConfig for the first invalid field.
func (o Options) Validate() error {
	switch {
	case o.Dir == "":
		return fmt.Errorf("%w: dir is empty", ErrInvalidConfig)
	case o.MinDegree < 2:
		return fmt.Errorf("%w: min degree %d < 2", ErrInvalidConfig, o.MinDegree)
	case o.Levels < 0:
		return fmt.Errorf("%w: level count %d < 0", ErrInvalidConfig, o.Levels)
	case o.Multiplier < 1:
		return fmt.Errorf("%w: multiplier %d < 1", ErrInvalidConfig, o.Multiplier)
	case o.FlushThreshold < 0:
		return fmt.Errorf("%w: flush threshold %d < 0", ErrInvalidConfig, o.FlushThreshold)
	case o.FilterBits == 0 || o.FilterHashes == 0:
		return fmt.Errorf("%w: bloom filter needs bits and hashes", ErrInvalidConfig)
	}
	switch o.Compression {
	case "", CompressionNone, CompressionSnappy:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, o.Compression)
	}
	return nil
}

// flushThreshold is the memtable size above which it is flushed.
func (o Options) flushThreshold() int {
	if o.FlushThreshold > 0 {
		return o.FlushThreshold
	}
	return o.Multiplier
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LoadOptions reads YAML options from r on top of the defaults
// for dir. A nil or empty reader yields the defaults.
func LoadOptions(r io.Reader, dir string) (Options, error) {
	opts := DefaultOptions(dir)
	if r == nil {
		return opts, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read options: %w", err)
	}
	if len(data) == 0 {
		return opts, nil
	}

	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to unmarshal options yaml: %w", err)
	}
	return opts, nil
}

// LoadOptionsFile reads YAML options from the file at path. A
// missing file yields the defaults.
func LoadOptionsFile(path, dir string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadOptions(nil, dir)
		}
		return Options{}, fmt.Errorf("failed to open options file %s: %w", path, err)
	}
	defer f.Close()

	return LoadOptions(f, dir)
}
