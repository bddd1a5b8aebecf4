package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/williballenthin/vivutils/utils"
	"github.com/williballenthin/vivutils/utils/entropy"
	W "github.com/williballenthin/vivutils/workspace"
)

var libraryColor = color.New(color.FgGreen)
var headerColor = color.New(color.Bold)

func printMaps(ws *W.Workspace) error {
	maps, e := ws.GetMaps()
	if e != nil {
		return e
	}
	headerColor.Printf("memory maps:\n")
	for _, m := range maps {
		buf, e := ws.MemRead(m.Address, m.Length)
		if e != nil {
			return e
		}
		fmt.Printf("  %s  %-10s %s  %8s  entropy: %.2f\n",
			m.Address, m.Name, m.Perms, humanize.IBytes(m.Length), entropy.Compute(buf))
	}
	return nil
}

func doit(path string, format string, c *cli.Context) error {
	cfg, e := utils.LoadConfig(c)
	if e != nil {
		return e
	}

	ws, e := utils.LoadWorkspace(path, format, cfg, true)
	if e != nil {
		return e
	}
	defer ws.Close()

	if e := printMaps(ws); e != nil {
		return e
	}

	libs := ws.LibraryFunctions()
	headerColor.Printf("library functions: %d\n", len(libs))
	for _, lib := range libs {
		libraryColor.Printf("  %s  %s  (%s)\n", lib.VA, lib.Name, humanize.Bytes(lib.Size))
	}

	others := ws.UnclassifiedFunctions()
	if len(cfg.SignaturePaths) == 0 {
		// without signatures there is no classification, so list everything.
		for _, fva := range ws.GetFunctions() {
			name, _ := ws.GetFunctionName(fva)
			others = append(others, W.FunctionEntry{VA: fva, Name: name})
		}
	}
	headerColor.Printf("unclassified functions: %d\n", len(others))
	for _, fn := range others {
		size, _ := ws.GetFunctionSize(fn.VA)
		fmt.Printf("  %s  %s  (%s)\n", fn.VA, fn.Name, humanize.Bytes(size))
	}

	logrus.WithFields(logrus.Fields{
		"functions": len(ws.GetFunctions()),
		"library":   len(libs),
	}).Debug("classify: done")
	return nil
}

func main() {
	app := cli.NewApp()
	app.Version = "0.1"
	app.Name = "classify"
	app.Usage = "Recognize library functions in shellcode or a PE file."
	app.Flags = []cli.Flag{utils.InputFlag, utils.FormatFlag, utils.ConfigFlag, utils.SignaturesFlag, utils.VerboseFlag}
	app.Action = func(c *cli.Context) error {
		if e := utils.CheckRequiredArgs(c, []cli.StringFlag{utils.InputFlag}); e != nil {
			return e
		}

		inputFile := c.String(utils.InputFlag.Name)
		if !utils.DoesPathExist(inputFile) {
			return cli.NewExitError(fmt.Sprintf("Error: file %s must exist", inputFile), 1)
		}

		if e := doit(inputFile, c.String(utils.FormatFlag.Name), c); e != nil {
			return cli.NewExitError(e.Error(), 1)
		}
		return nil
	}
	if e := app.Run(os.Args); e != nil {
		logrus.Fatal(e)
	}
}
