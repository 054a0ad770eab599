// Package config is the workload configuration of the
// allocation simulator.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chaitin/lidstore"
)

// Workload describes the node to simulate and the
// operations issued against it.
type Workload struct {
	Node      uint16 `yaml:"node"`
	Capacity  int    `yaml:"capacity"`
	TableSize int    `yaml:"table_size"`

	Workers    int   `yaml:"workers"`
	Operations int   `yaml:"operations"`
	Seed       int64 `yaml:"seed"`
	MaxBatch   int   `yaml:"max_batch"`

	// The ratios are the probability of an operation being
	// a removal, a consecutive creation or a creation with
	// custom ids. The rest are plain creations.
	RemoveRatio      float64 `yaml:"remove_ratio"`
	ConsecutiveRatio float64 `yaml:"consecutive_ratio"`
	CustomRatio      float64 `yaml:"custom_ratio"`
}

// LoadWorkloadFromFile loads the workload from the yaml
// file, filling in the defaults for what is omitted.
func LoadWorkloadFromFile(path string) (*Workload, error) {
	if path == "" {
		return nil, errors.New("workload file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read workload")
	}
	var conf Workload
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, errors.Wrapf(err, "parse workload %q", path)
	}
	conf = conf.PopulateDefault()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// PopulateDefault fills the zero fields with defaults.
func (conf Workload) PopulateDefault() Workload {
	if conf.Node == 0 {
		conf.Node = 1
	}
	if conf.Capacity == 0 {
		conf.Capacity = lidstore.DefaultCapacity
	}
	if conf.TableSize == 0 {
		conf.TableSize = 1 << 20
	}
	if conf.Workers == 0 {
		conf.Workers = 4
	}
	if conf.Operations == 0 {
		conf.Operations = 100000
	}
	if conf.Seed == 0 {
		conf.Seed = 1
	}
	if conf.MaxBatch == 0 {
		conf.MaxBatch = 16
	}
	if conf.RemoveRatio == 0 {
		conf.RemoveRatio = 0.45
	}
	return conf
}

// Validate checks the workload.
func (conf Workload) Validate() error {
	if conf.Capacity < 2 {
		return errors.Errorf("invalid capacity %d", conf.Capacity)
	}
	if conf.TableSize < 2 {
		return errors.Errorf("invalid table_size %d", conf.TableSize)
	}
	if conf.Workers < 1 || conf.Operations < 1 || conf.MaxBatch < 1 {
		return errors.Errorf(
			"invalid workers %d, operations %d or max_batch %d",
			conf.Workers, conf.Operations, conf.MaxBatch)
	}
	for name, ratio := range map[string]float64{
		"remove_ratio":      conf.RemoveRatio,
		"consecutive_ratio": conf.ConsecutiveRatio,
		"custom_ratio":      conf.CustomRatio,
	} {
		if ratio < 0 || ratio > 1 {
			return errors.Errorf("invalid %s %v", name, ratio)
		}
	}
	if sum := conf.RemoveRatio + conf.ConsecutiveRatio +
		conf.CustomRatio; sum > 1 {
		return errors.Errorf("ratios sum up to %v", sum)
	}
	return nil
}
