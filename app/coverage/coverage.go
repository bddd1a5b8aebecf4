package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	"github.com/williballenthin/vivutils/emulator/drivers"
	"github.com/williballenthin/vivutils/utils"
	W "github.com/williballenthin/vivutils/workspace"
)

var vaFlag = cli.StringFlag{
	Name:  "va",
	Usage: "address to start emulation (hex), default: the entry point",
}

var untilFlag = cli.StringFlag{
	Name:  "until",
	Usage: "stop when emulation reaches this address (hex)",
}

var dotFlag = cli.StringFlag{
	Name:  "dot",
	Usage: "write the control flow graph in graphviz format to this file",
}

var anomalyColor = color.New(color.FgRed)
var apiColor = color.New(color.FgCyan)

// callMonitor prints the API calls that no hook handles.
type callMonitor struct {
	drivers.BaseMonitor
}

func (callMonitor) APICall(emu emulator.Emulator, op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol) {
	if api.SymbolName == "" {
		return
	}
	apiColor.Printf("  %s: call %s.%s\n", op.VA, api.ModuleName, api.SymbolName)
}

func getStart(ws *W.Workspace, c *cli.Context) (AS.VA, error) {
	if s := c.String(vaFlag.Name); s != "" {
		return utils.ParseVA(s)
	}
	eps := ws.GetEntryPoints()
	if len(eps) == 0 {
		return 0, errors.New("no entry point, provide --va")
	}
	return eps[0], nil
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

	va, e := getStart(ws, c)
	if e != nil {
		return e
	}

	emu, e := emulator.New(ws)
	if e != nil {
		return e
	}
	defer emu.Close()

	d := drivers.NewFullCoverageDriver(ws, emu, drivers.Options{
		RepMax:   cfg.RepMax,
		MaxSteps: cfg.MaxSteps,
	})
	anomalies := &drivers.AnomalyCollector{}
	d.AddMonitor(anomalies)
	d.AddMonitor(callMonitor{})
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		d.AddMonitor(drivers.LoggingMonitor{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if s := c.String(untilFlag.Name); s != "" {
		until, e := utils.ParseVA(s)
		if e != nil {
			return e
		}
		d.AddMonitor(drivers.NewUntilVAMonitor(until, cancel))
	}

	res, e := d.Run(ctx, va)
	if e != nil {
		return e
	}

	for _, iva := range res.Order {
		op, e := ws.ParseOpcode(iva)
		if e != nil {
			continue
		}
		fmt.Printf("%s  %-40s  ; hits: %d\n", iva, op.Text, res.Hits[iva])
	}
	for _, a := range anomalies.Anomalies() {
		anomalyColor.Printf("anomaly: %s: %s\n", a.VA, a.Message)
	}
	fmt.Printf("status: %s, %s instructions, %s steps, %s edges\n",
		res.Status,
		humanize.Comma(int64(len(res.Order))),
		humanize.Comma(int64(res.Steps)),
		humanize.Comma(int64(len(res.Edges))))

	if dot := c.String(dotFlag.Name); dot != "" {
		f, e := os.Create(dot)
		if e != nil {
			return errors.Wrapf(e, "failed to create %s", dot)
		}
		defer f.Close()
		if e := res.WriteDOT(f); e != nil {
			return e
		}
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Version = "0.1"
	app.Name = "coverage"
	app.Usage = "Emulate every path from an address and report the code reached."
	app.Flags = []cli.Flag{utils.InputFlag, utils.FormatFlag, utils.ConfigFlag, utils.SignaturesFlag, vaFlag, untilFlag, dotFlag, utils.VerboseFlag}
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
