package mark

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Tunables of the marking engine. The defaults match the knobs the engine
// was tuned with; sizes in a config file are human-readable strings such as
// "16MB".
type Config struct {
	// ConcGCThreads is the number of concurrent marking workers.
	ConcGCThreads int

	// MarkStackSize and MarkStackSizeMax bound the global mark stack, in
	// bytes of chunk storage. The initial size may be doubled on overflow
	// until it reaches the maximum.
	MarkStackSize    int64
	MarkStackSizeMax int64

	// TaskQueueCapacity is the per-worker queue capacity in entries,
	// rounded up to a power of two.
	TaskQueueCapacity int

	// WordsScannedPeriod and RefsReachedPeriod control how much work a
	// task does between regular clock calls.
	WordsScannedPeriod int64
	RefsReachedPeriod  int64

	// StepDurationMillis is the soft time budget of one concurrent
	// marking step.
	StepDurationMillis float64

	// SATBBufferSize is the number of references per SATB buffer.
	SATBBufferSize int

	// VerifyMarking enables invariant checks at phase boundaries.
	VerifyMarking bool

	// Trace enables per-worker colored trace output.
	Trace bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ConcGCThreads:      1,
		MarkStackSize:      4 * 1024 * 1024,
		MarkStackSizeMax:   64 * 1024 * 1024,
		TaskQueueCapacity:  1 << 13,
		WordsScannedPeriod: 12 * 1024,
		RefsReachedPeriod:  1024,
		StepDurationMillis: 10.0,
		SATBBufferSize:     256,
	}
}

// Validate reports whether the configuration is usable.
func (c *Config) Validate() error {
	if c.ConcGCThreads < 1 {
		return fmt.Errorf("mark: conc_gc_threads must be at least 1, got %d", c.ConcGCThreads)
	}
	initial, max := c.markStackChunks()
	if initial < 1 || max < initial {
		return fmt.Errorf("mark: mark stack of %d..%d bytes leaves no room for a single chunk",
			c.MarkStackSize, c.MarkStackSizeMax)
	}
	if c.WordsScannedPeriod < 1 || c.RefsReachedPeriod < 1 {
		return fmt.Errorf("mark: scan periods must be positive")
	}
	if c.StepDurationMillis < 1.0 {
		return fmt.Errorf("mark: step duration below the 1ms clock granularity")
	}
	return nil
}

// markStackChunks converts the byte-sized knobs into chunk counts.
func (c *Config) markStackChunks() (initial, max int) {
	chunkBytes := int64(unsafe.Sizeof(chunk{}))
	return int(c.MarkStackSize / chunkBytes), int(c.MarkStackSizeMax / chunkBytes)
}

// fileConfig is the YAML form of Config. Sizes are byte-size strings.
type fileConfig struct {
	ConcGCThreads      *int     `yaml:"conc_gc_threads"`
	MarkStackSize      string   `yaml:"mark_stack_size"`
	MarkStackSizeMax   string   `yaml:"mark_stack_size_max"`
	TaskQueueCapacity  *int     `yaml:"task_queue_capacity"`
	WordsScannedPeriod *int64   `yaml:"words_scanned_period"`
	RefsReachedPeriod  *int64   `yaml:"refs_reached_period"`
	StepDurationMillis *float64 `yaml:"step_duration_millis"`
	SATBBufferSize     *int     `yaml:"satb_buffer_size"`
	VerifyMarking      *bool    `yaml:"verify_marking"`
	Trace              *bool    `yaml:"trace"`
}

// LoadConfig reads a YAML config file, applying the defaults for any knob
// the file leaves out.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("mark: reading config: %w", err)
	}
	if err := ParseConfig(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseConfig applies YAML config data on top of *cfg.
func ParseConfig(data []byte, cfg *Config) error {
	var f fileConfig
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return fmt.Errorf("mark: parsing config: %w", err)
	}
	if f.ConcGCThreads != nil {
		cfg.ConcGCThreads = *f.ConcGCThreads
	}
	if f.MarkStackSize != "" {
		n, err := bytesize.Parse(f.MarkStackSize)
		if err != nil {
			return fmt.Errorf("mark: mark_stack_size: %w", err)
		}
		cfg.MarkStackSize = int64(n)
	}
	if f.MarkStackSizeMax != "" {
		n, err := bytesize.Parse(f.MarkStackSizeMax)
		if err != nil {
			return fmt.Errorf("mark: mark_stack_size_max: %w", err)
		}
		cfg.MarkStackSizeMax = int64(n)
	}
	if f.TaskQueueCapacity != nil {
		cfg.TaskQueueCapacity = *f.TaskQueueCapacity
	}
	if f.WordsScannedPeriod != nil {
		cfg.WordsScannedPeriod = *f.WordsScannedPeriod
	}
	if f.RefsReachedPeriod != nil {
		cfg.RefsReachedPeriod = *f.RefsReachedPeriod
	}
	if f.StepDurationMillis != nil {
		cfg.StepDurationMillis = *f.StepDurationMillis
	}
	if f.SATBBufferSize != nil {
		cfg.SATBBufferSize = *f.SATBBufferSize
	}
	if f.VerifyMarking != nil {
		cfg.VerifyMarking = *f.VerifyMarking
	}
	if f.Trace != nil {
		cfg.Trace = *f.Trace
	}
	return cfg.Validate()
}
