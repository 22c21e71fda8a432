package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Learning rate schedules understood by the trainer.
const (
	ScheduleOneCycle = "one_cycle"
	ScheduleConstant = "constant"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	Archive     string `yaml:"archive"`
	DownloadURL string `yaml:"download_url"`

	BatchSize int `yaml:"batch_size"`
	Epochs    int `yaml:"epochs"`

	Schedule       string  `yaml:"schedule"`
	MaxLR          float64 `yaml:"max_lr"`
	BaseLR         float64 `yaml:"base_lr"`
	PctStart       float64 `yaml:"pct_start"`
	DivFactor      float64 `yaml:"div_factor"`
	FinalDivFactor float64 `yaml:"final_div_factor"`
	Momentum       float64 `yaml:"momentum"`
	WeightDecay    float64 `yaml:"weight_decay"`
	GradClip       float64 `yaml:"grad_clip"`

	ResidualDropout float64 `yaml:"residual_dropout"`
	HeadDropout     float64 `yaml:"head_dropout"`

	NumWorkers int   `yaml:"num_workers"`
	Prefetch   int   `yaml:"prefetch"`
	Seed       int64 `yaml:"seed"`
	LogEvery   int   `yaml:"log_every"`
}

// Default returns the configuration of the reference run.
func Default() *Config {
	return &Config{
		DataDir:         "data/cifar-10-batches-bin",
		BatchSize:       100,
		Epochs:          40,
		Schedule:        ScheduleOneCycle,
		MaxLR:           0.1,
		BaseLR:          0.01,
		PctStart:        0.3,
		DivFactor:       25,
		FinalDivFactor:  1e4,
		Momentum:        0.9,
		WeightDecay:     5e-4,
		GradClip:        0.1,
		ResidualDropout: 0.3,
		HeadDropout:     0.5,
		NumWorkers:      4,
		Prefetch:        2,
		Seed:            42,
		LogEvery:        50,
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataDir     string
	Archive     string
	DownloadURL string
	Schedule    string
	Epochs      int
	BatchSize   int
	MaxLR       float64
	NumWorkers  int
	LogEvery    int

	// Seed is applied whenever set, zero included.
	Seed *int64
}

// Load reads and validates a Config from YAML. Keys absent from the file
// keep their defaults; unknown keys are an error. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// fillDefaults replaces unset logging and pipeline knobs. A zero in the file
// means "use the default" for these keys.
func (c *Config) fillDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
}

// ApplyOverrides updates cfg using any non-zero override and a non-nil Seed.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Archive != "" {
		c.Archive = o.Archive
	}
	if o.DownloadURL != "" {
		c.DownloadURL = o.DownloadURL
	}
	if o.Schedule != "" {
		c.Schedule = o.Schedule
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.MaxLR > 0 {
		c.MaxLR = o.MaxLR
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable. It does not modify c.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataDir == "" && c.Archive == "" {
		return errors.New("data_dir or archive must be set")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	switch c.Schedule {
	case ScheduleOneCycle:
		if c.MaxLR <= 0 {
			return errors.Errorf("max_lr must be > 0 (got %g)", c.MaxLR)
		}
		if c.PctStart <= 0 || c.PctStart >= 1 {
			return errors.Errorf("pct_start must be in (0, 1) (got %g)", c.PctStart)
		}
		if c.DivFactor <= 0 || c.FinalDivFactor <= 0 {
			return errors.Errorf("div_factor and final_div_factor must be > 0 (got %g, %g)", c.DivFactor, c.FinalDivFactor)
		}
	case ScheduleConstant:
		if c.BaseLR <= 0 {
			return errors.Errorf("base_lr must be > 0 (got %g)", c.BaseLR)
		}
	default:
		return errors.Errorf("schedule must be %q or %q (got %q)", ScheduleOneCycle, ScheduleConstant, c.Schedule)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if c.GradClip <= 0 {
		return errors.Errorf("grad_clip must be > 0 (got %g)", c.GradClip)
	}
	for name, p := range map[string]float64{"residual_dropout": c.ResidualDropout, "head_dropout": c.HeadDropout} {
		if p < 0 || p >= 1 {
			return errors.Errorf("%s must be in [0, 1) (got %g)", name, p)
		}
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.Prefetch <= 0 {
		return errors.Errorf("prefetch must be > 0 (got %d)", c.Prefetch)
	}
	if c.LogEvery <= 0 {
		return errors.Errorf("log_every must be > 0 (got %d)", c.LogEvery)
	}
	return nil
}
