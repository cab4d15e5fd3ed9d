// Copyright 2017 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flow

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/intel-go/nff-graph/common"
)

// Clock is a monotonic time source of engines. Returned value is time
// passed since some fixed origin.
type Clock interface {
	Now() time.Duration
}

type monotonicClock struct {
	origin time.Time
}

func (c monotonicClock) Now() time.Duration {
	return time.Since(c.origin)
}

// Config is a struct with all parameters, which user can pass to nff-graph
// library. Zero value of every field means default.
type Config struct {
	// Cores which engine loops are pinned to, for example "0-3,8".
	// Empty list means that loops are not pinned.
	CPUList string
	// Number of worker engines in addition to the main one. Default is 0.
	Workers uint
	// Maximum number of items in one frame. Default value is 256.
	FrameSize uint
	// Duration of one timer wheel tick. Default value is 10 microseconds.
	TickDuration time.Duration
	// The longest time an idle engine sleeps before it checks timers
	// again. Default value is 10 milliseconds.
	MaxIdleSleep time.Duration
	// Engines never sleep when Polling is set.
	Polling bool
	// Number of milliseconds for printing and reporting statistics.
	// Default value is 1000 milliseconds.
	DebugTime uint
	// Address of HTTP server with node statistics in JSON, like
	// "localhost:8080". Server is not started if address is empty.
	TelemetryAddress string
	// Sink for node metrics. Metrics are discarded by default.
	MetricSink metrics.MetricSink
	// FreeItems is called by predefined "drop" node with item references
	// which leave the graph.
	FreeItems func(items []uint32)
	// Specifies logging type. Default value is common.No |
	// common.Initialization | common.Debug.
	LogType common.LogType
	// Time source of engines. Default is the monotonic system clock.
	Clock Clock
}

const (
	defaultFrameSize    = 256
	defaultTickDuration = 10 * time.Microsecond
	defaultMaxIdleSleep = 10 * time.Millisecond
	defaultDebugTime    = 1000
)

func (c *Config) setDefaults() {
	if c.FrameSize == 0 {
		c.FrameSize = defaultFrameSize
	}
	if c.TickDuration <= 0 {
		c.TickDuration = defaultTickDuration
	}
	if c.MaxIdleSleep <= 0 {
		c.MaxIdleSleep = defaultMaxIdleSleep
	}
	if c.DebugTime == 0 {
		c.DebugTime = defaultDebugTime
	}
	if c.MetricSink == nil {
		c.MetricSink = &metrics.BlackholeSink{}
	}
	if c.LogType == 0 {
		c.LogType = common.No | common.Initialization | common.Debug
	}
	if c.Clock == nil {
		c.Clock = monotonicClock{origin: time.Now()}
	}
}

// TicksPerSecond returns timer wheel resolution derived from TickDuration.
func (c *Config) TicksPerSecond() float64 {
	tick := c.TickDuration
	if tick <= 0 {
		tick = defaultTickDuration
	}
	return float64(time.Second) / float64(tick)
}

type fileConfig struct {
	Engine struct {
		CPUList      string        `yaml:"cpu-list"`
		Workers      uint          `yaml:"workers"`
		FrameSize    uint          `yaml:"frame-size"`
		Polling      bool          `yaml:"polling"`
		MaxIdleSleep time.Duration `yaml:"max-idle-sleep"`
		Log          string        `yaml:"log"`
	} `yaml:"engine"`
	Timer struct {
		Tick time.Duration `yaml:"tick"`
	} `yaml:"timer"`
	Telemetry struct {
		Address   string `yaml:"address"`
		DebugTime uint   `yaml:"debug-time"`
	} `yaml:"telemetry"`
}

// LoadConfig reads engine configuration from file. Files with ".yaml"
// or ".yml" extension are parsed as YAML, all other files as INI with
// sections [engine], [timer] and [telemetry].
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = loadYAML(path, &fc)
	default:
		err = loadINI(path, &fc)
	}
	if err != nil {
		return nil, err
	}
	logType, err := ParseLogType(fc.Engine.Log)
	if err != nil {
		return nil, err
	}
	return &Config{
		CPUList:          fc.Engine.CPUList,
		Workers:          fc.Engine.Workers,
		FrameSize:        fc.Engine.FrameSize,
		Polling:          fc.Engine.Polling,
		MaxIdleSleep:     fc.Engine.MaxIdleSleep,
		TickDuration:     fc.Timer.Tick,
		TelemetryAddress: fc.Telemetry.Address,
		DebugTime:        fc.Telemetry.DebugTime,
		LogType:          logType,
	}, nil
}

func loadYAML(path string, fc *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return common.WrapWithNFError(err, "can't read config file "+path, common.FileErr)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return common.WrapWithNFError(err, "can't parse config file "+path, common.ParseConfigErr)
	}
	return nil
}

func loadINI(path string, fc *fileConfig) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return common.WrapWithNFError(err, "can't read config file "+path, common.FileErr)
	}
	engine := cfg.Section("engine")
	fc.Engine.CPUList = engine.Key("cpu-list").String()
	fc.Engine.Log = engine.Key("log").String()
	if fc.Engine.Workers, err = keyUint(engine.Key("workers")); err != nil {
		return common.WrapWithNFError(err, "wrong engine.workers in "+path, common.ParseConfigErr)
	}
	if fc.Engine.FrameSize, err = keyUint(engine.Key("frame-size")); err != nil {
		return common.WrapWithNFError(err, "wrong engine.frame-size in "+path, common.ParseConfigErr)
	}
	if fc.Engine.MaxIdleSleep, err = keyDuration(engine.Key("max-idle-sleep")); err != nil {
		return common.WrapWithNFError(err, "wrong engine.max-idle-sleep in "+path, common.ParseConfigErr)
	}
	fc.Engine.Polling = engine.Key("polling").MustBool(false)

	if fc.Timer.Tick, err = keyDuration(cfg.Section("timer").Key("tick")); err != nil {
		return common.WrapWithNFError(err, "wrong timer.tick in "+path, common.ParseConfigErr)
	}

	telemetry := cfg.Section("telemetry")
	fc.Telemetry.Address = telemetry.Key("address").String()
	if fc.Telemetry.DebugTime, err = keyUint(telemetry.Key("debug-time")); err != nil {
		return common.WrapWithNFError(err, "wrong telemetry.debug-time in "+path, common.ParseConfigErr)
	}
	return nil
}

func keyUint(k *ini.Key) (uint, error) {
	if k.String() == "" {
		return 0, nil
	}
	return k.Uint()
}

func keyDuration(k *ini.Key) (time.Duration, error) {
	if k.String() == "" {
		return 0, nil
	}
	return k.Duration()
}

// ParseLogType converts comma separated list of log categories like
// "initialization,debug" to LogType. Empty string gives zero LogType,
// which means default.
func ParseLogType(s string) (common.LogType, error) {
	var t common.LogType
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
		case "no":
			t |= common.No
		case "initialization", "init":
			t |= common.Initialization
		case "debug":
			t |= common.Debug
		case "verbose":
			t |= common.Verbose
		default:
			return 0, common.WrapWithNFError(nil, "unknown log type "+name, common.ParseConfigErr)
		}
	}
	return t, nil
}
