package utils

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/williballenthin/vivutils/config"
	"github.com/williballenthin/vivutils/loader"
	peloader "github.com/williballenthin/vivutils/loader/pe"
	"github.com/williballenthin/vivutils/loader/shellcode"
	W "github.com/williballenthin/vivutils/workspace"
)

const (
	FormatAuto      = "auto"
	FormatPE        = "pe"
	FormatShellcode = "shellcode"
)

var InputFlag = cli.StringFlag{
	Name:  "input_file",
	Usage: "file to analyze",
}

var FormatFlag = cli.StringFlag{
	Name:  "format",
	Value: FormatAuto,
	Usage: "input format: auto, pe, or shellcode",
}

var ConfigFlag = cli.StringFlag{
	Name:  "config",
	Usage: "YAML configuration file",
}

var SignaturesFlag = cli.StringSliceFlag{
	Name:  "signatures",
	Usage: "FLIRT signature file (.sig, .pat, .pat.gz), may be repeated",
}

// LoadConfig reads the configuration named by --config,
// adds any --signatures, and applies the log level.
func LoadConfig(c *cli.Context) (*config.Config, error) {
	cfg, e := config.Load(c.String(ConfigFlag.Name))
	if e != nil {
		return nil, e
	}
	cfg.SignaturePaths = append(cfg.SignaturePaths, c.StringSlice(SignaturesFlag.Name)...)
	if e := cfg.ApplyLogLevel(); e != nil {
		return nil, e
	}
	SetupLogging(c)
	return cfg, nil
}

func detectFormat(path string) (string, error) {
	f, e := os.Open(path)
	if e != nil {
		return "", errors.Wrapf(e, "failed to open %s", path)
	}
	defer f.Close()

	magic := make([]byte, 2)
	if n, _ := f.Read(magic); n == 2 && bytes.Equal(magic, []byte("MZ")) {
		return FormatPE, nil
	}
	return FormatShellcode, nil
}

// LoadWorkspace loads the sample at `path` in the given format.
// When `analyze` is set, the default analyzers run over it.
func LoadWorkspace(path string, format string, cfg *config.Config, analyze bool) (*W.Workspace, error) {
	if format == FormatAuto || format == "" {
		var e error
		format, e = detectFormat(path)
		if e != nil {
			return nil, e
		}
	}

	switch format {
	case FormatShellcode:
		return shellcode.GetShellcodeWorkspaceFromFile(path, cfg, analyze)
	case FormatPE:
		ws, e := config.NewWorkspace(cfg)
		if e != nil {
			return nil, e
		}
		if _, e := peloader.LoadFile(ws, path); e != nil {
			ws.Close()
			return nil, e
		}
		if analyze {
			if e := config.RegisterDefaultAnalyzers(ws, cfg); e != nil {
				ws.Close()
				return nil, e
			}
			if e := ws.Analyze(); e != nil {
				ws.Close()
				return nil, errors.Wrap(e, "failed to analyze PE")
			}
		}
		return ws, nil
	default:
		return nil, errors.Wrapf(loader.ErrUnsupportedFormat, "format %q", format)
	}
}
