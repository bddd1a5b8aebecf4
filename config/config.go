// Package config holds the settings of an analysis run
// and the default analyzers for a workspace.
package config

import (
	"os"

	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	AS "github.com/williballenthin/vivutils/address_space"
	file_analysis "github.com/williballenthin/vivutils/analysis/file"
	entry_point_analysis "github.com/williballenthin/vivutils/analysis/file/entry_point"
	flirt_analysis "github.com/williballenthin/vivutils/analysis/file/flirt"
	prologue_analysis "github.com/williballenthin/vivutils/analysis/file/prologue"
	function_analysis "github.com/williballenthin/vivutils/analysis/function"
	direct_calls_analysis "github.com/williballenthin/vivutils/analysis/function/direct_calls"
	indirect_flow_analysis "github.com/williballenthin/vivutils/analysis/function/indirect_flow"
	name_analysis "github.com/williballenthin/vivutils/analysis/function/name"
	stack_delta_analysis "github.com/williballenthin/vivutils/analysis/function/stack_delta"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator/drivers"
	"github.com/williballenthin/vivutils/flirt"
	W "github.com/williballenthin/vivutils/workspace"
)

// EnvPrefix prefixes the environment variables that override configuration,
// like VIVUTILS_REPMAX.
const EnvPrefix = "VIVUTILS_"

const (
	DefaultShellcodeBase = AS.VA(0x690000)
	DefaultRepMax        = drivers.DefaultRepMax
	DefaultMaxSteps      = drivers.DefaultMaxSteps
)

type Config struct {
	Arch          disassembly.Arch `yaml:"arch" env:"ARCH"`
	ShellcodeBase AS.VA            `yaml:"shellcode_base" env:"SHELLCODE_BASE"`

	// emulation bounds.
	RepMax   uint   `yaml:"repmax" env:"REPMAX"`
	MaxSteps uint64 `yaml:"max_steps" env:"MAX_STEPS"`
	// IndirectFlow emulates each new function to resolve its indirect jumps.
	IndirectFlow bool `yaml:"indirect_flow" env:"INDIRECT_FLOW"`

	Decoder         string `yaml:"decoder" env:"DECODER"`
	OpcodeCacheSize int    `yaml:"opcode_cache_size" env:"OPCODE_CACHE_SIZE"`

	// FLIRT signature files: .sig, .pat, or .pat.gz.
	SignaturePaths []string `yaml:"signatures" env:"SIGNATURES" envSeparator:":"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

func Default() *Config {
	return &Config{
		Arch:            disassembly.ARCH_X86,
		ShellcodeBase:   DefaultShellcodeBase,
		RepMax:          DefaultRepMax,
		MaxSteps:        DefaultMaxSteps,
		Decoder:         disassembly.DefaultDecoder,
		OpcodeCacheSize: W.DefaultOpcodeCacheSize,
		LogLevel:        "info",
	}
}

// Load reads the YAML configuration at `path` over the defaults,
// then applies overrides from the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

func load(path string, environment map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, e := os.ReadFile(path)
		if e != nil {
			return nil, errors.Wrapf(e, "failed to read config %s", path)
		}
		if e := yaml.Unmarshal(buf, cfg); e != nil {
			return nil, errors.Wrapf(e, "failed to parse config %s", path)
		}
	}

	e := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	})
	if e != nil {
		return nil, errors.Wrap(e, "failed to parse environment")
	}

	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if _, e := disassembly.PointerSize(cfg.Arch); e != nil {
		return errors.Wrapf(e, "arch %q", cfg.Arch)
	}
	if _, e := logrus.ParseLevel(cfg.LogLevel); e != nil {
		return e
	}
	return nil
}

func (cfg *Config) ApplyLogLevel() error {
	level, e := logrus.ParseLevel(cfg.LogLevel)
	if e != nil {
		return e
	}
	logrus.SetLevel(level)
	return nil
}

// NewWorkspace creates an empty workspace with the configured decoder.
func NewWorkspace(cfg *Config) (*W.Workspace, error) {
	ws, e := W.New(cfg.Arch)
	if e != nil {
		return nil, e
	}

	if cfg.Decoder != "" && cfg.Decoder != disassembly.DefaultDecoder {
		d, e := disassembly.NewDecoder(cfg.Decoder, cfg.Arch)
		if e != nil {
			ws.Close()
			return nil, e
		}
		ws.SetDecoder(d)
	}
	if cfg.OpcodeCacheSize > 0 {
		if e := ws.SetOpcodeCacheSize(cfg.OpcodeCacheSize); e != nil {
			ws.Close()
			return nil, e
		}
	}
	return ws, nil
}

func getFunctionAnalyzers(ws *W.Workspace, cfg *Config) (map[string]function_analysis.FunctionAnalysis, error) {
	function_analyzers := make(map[string]function_analysis.FunctionAnalysis)

	dca, e := direct_calls_analysis.New(ws)
	if e != nil {
		return nil, e
	}
	function_analyzers["analysis.function.direct_calls"] = dca

	na, e := name_analysis.New(ws)
	if e != nil {
		return nil, e
	}
	function_analyzers["analysis.function.name"] = na

	sda, e := stack_delta_analysis.New(ws)
	if e != nil {
		return nil, e
	}
	function_analyzers["analysis.function.stack_delta"] = sda

	if cfg.IndirectFlow {
		ifa, e := indirect_flow_analysis.New(ws, drivers.Options{
			RepMax:   cfg.RepMax,
			MaxSteps: cfg.MaxSteps,
		})
		if e != nil {
			return nil, e
		}
		function_analyzers["analysis.function.indirect_flow"] = ifa
	}

	return function_analyzers, nil
}

func getFileAnalyzers(ws *W.Workspace) (map[string]file_analysis.FileAnalysis, error) {
	file_analyzers := make(map[string]file_analysis.FileAnalysis)

	ep, e := entry_point_analysis.New(ws)
	if e != nil {
		return nil, e
	}
	file_analyzers["analysis.file.entry_point"] = ep

	pro, e := prologue_analysis.New(ws)
	if e != nil {
		return nil, e
	}
	file_analyzers["analysis.file.prologue"] = pro

	return file_analyzers, nil
}

// RegisterDefaultAnalyzers registers function discovery, naming,
// and, when signatures are configured, library function classification.
// Signature files that fail to parse are skipped with a warning.
func RegisterDefaultAnalyzers(ws *W.Workspace, cfg *Config) error {
	function_analyzers, e := getFunctionAnalyzers(ws, cfg)
	if e != nil {
		return e
	}
	for name, a := range function_analyzers {
		logrus.Debugf("registering: %s", name)
		ws.RegisterFunctionAnalysis(a)
	}

	file_analyzers, e := getFileAnalyzers(ws)
	if e != nil {
		return e
	}
	for name, a := range file_analyzers {
		logrus.Debugf("registering: %s", name)
		ws.RegisterFileAnalysis(a)
	}

	if len(cfg.SignaturePaths) > 0 {
		logrus.Debugf("registering: analysis.file.flirt")
		e := flirt_analysis.RegisterSignatureAnalyzers(ws, cfg.SignaturePaths)
		if e != nil {
			if !flirt.IsParseError(e) {
				return e
			}
			logrus.Warnf("some signatures were skipped: %s", e.Error())
		}
	}
	return nil
}
