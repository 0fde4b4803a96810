// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/sortrunner/internal/sortserver"
	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

// Config aggregates configuration for the application.
type Config struct {
	Worker WorkerConfig `mapstructure:"worker"`
	Sort   SortConfig   `mapstructure:"sort"`
	Spill  SpillConfig  `mapstructure:"spill"`
}

// WorkerConfig configures the sort worker process.
type WorkerConfig struct {
	// ListenAddr is the TCP address the worker accepts sort sessions on.
	ListenAddr string `mapstructure:"listen_addr"`

	// Parallelism is the number of leaf sorters in each per-session tree.
	Parallelism int `mapstructure:"parallelism"`

	// HealthPort is where /healthz, /readyz, /livez and /sessions are
	// served.
	HealthPort int `mapstructure:"health_port"`
}

// SortConfig configures the sort driver.
type SortConfig struct {
	// Workers lists remote worker addresses in host:port form. Empty
	// means sort locally.
	Workers []string `mapstructure:"workers"`

	// Parallelism is the local leaf count used when no workers are
	// configured.
	Parallelism int `mapstructure:"parallelism"`

	// Verify enables the post-sort integrity check on the driver.
	Verify bool `mapstructure:"verify"`
}

// SpillConfig switches tree leaves from in-memory to disk-backed sorters.
type SpillConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Threshold is the buffered element count that triggers a spill.
	// Zero selects the built-in default.
	Threshold int `mapstructure:"threshold"`

	// Dir is where run files live. Empty selects the process temp dir.
	Dir string `mapstructure:"dir"`
}

// LeafFactory returns the tree leaf constructor selected by s: spill
// sorters when enabled, in-memory sorters otherwise.
func (s SpillConfig) LeafFactory() streamsort.LeafFactory[string] {
	if s.Enabled {
		cfg := streamsort.SpillConfig{Threshold: s.Threshold, Dir: s.Dir}
		return func() (streamsort.Sorter[string], error) {
			return streamsort.NewSpillSorter[string](cfg)
		}
	}
	return func() (streamsort.Sorter[string], error) {
		return streamsort.NewLocalSorter[string](), nil
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "SORTRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "sort.workers"
// becomes "SORTRUNNER_SORT_WORKERS".
func Load() (*Config, error) {
	cfg := &Config{
		Worker: WorkerConfig{
			ListenAddr:  sortserver.DefaultAddr,
			Parallelism: runtime.GOMAXPROCS(0),
			HealthPort:  8090,
		},
		Sort: SortConfig{
			Parallelism: runtime.GOMAXPROCS(0),
		},
		Spill: SpillConfig{
			Threshold: streamsort.DefaultSpillThreshold,
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SORTRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if w := v.GetString("sort.workers"); w != "" {
		cfg.Sort.Workers = strings.Split(w, ",")
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
