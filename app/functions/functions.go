package main

import (
	"fmt"
	"html"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"github.com/williballenthin/vivutils/artifacts"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/utils"
	W "github.com/williballenthin/vivutils/workspace"
)

var fvaFlag = cli.StringFlag{
	Name:  "fva",
	Usage: "address of function to show (hex), default: all functions",
}

var dotFlag = cli.BoolFlag{
	Name:  "dot",
	Usage: "render the basic blocks in graphviz format",
}

var functionColor = color.New(color.FgYellow, color.Bold)
var blockColor = color.New(color.FgBlue)
var libraryColor = color.New(color.FgGreen)

// annotate names the API an instruction calls or jumps to, if any.
func annotate(ws *W.Workspace, op *disassembly.OpCode) string {
	if !op.IsCall() && !op.IsNoFall() {
		return ""
	}
	for _, br := range op.GetBranches() {
		if br.Flags&disassembly.BranchTable != 0 {
			continue
		}
		if sym, ok := ws.ResolveAPI(br.To); ok {
			return fmt.Sprintf("  ; %s.%s", sym.ModuleName, sym.SymbolName)
		}
		if name, e := ws.GetFunctionName(br.To); e == nil {
			return fmt.Sprintf("  ; %s", name)
		}
	}
	return ""
}

func printFunction(ws *W.Workspace, f *artifacts.Function) error {
	name, e := f.GetName()
	if e != nil {
		return e
	}
	if f.IsLibrary() {
		libraryColor.Printf("function: %s %s (library)\n", f.Start, name)
		return nil
	}
	functionColor.Printf("function: %s %s\n", f.Start, name)

	bbs, e := f.GetBasicBlocks()
	if e != nil {
		return e
	}
	for _, bb := range bbs {
		blockColor.Printf("  block: %s\n", bb.Start)
		insns, e := bb.GetInstructions()
		if e != nil {
			return e
		}
		for _, insn := range insns {
			fmt.Printf("    %s  %s%s\n", insn.VA, insn.Text, annotate(ws, insn))
		}

		next, e := bb.GetNextBasicBlocks()
		if e != nil {
			return e
		}
		for _, n := range next {
			logrus.Debugf("edge: %s --> %s", bb.Start, n.Start)
		}
	}
	return nil
}

func writeDOT(w io.Writer, ws *W.Workspace, fs []*artifacts.Function) error {
	fmt.Fprintf(w, "digraph asm {\n")
	fmt.Fprintf(w, " node [shape=plain, style=\"rounded\", fontname=\"courier\"]\n")
	for _, f := range fs {
		bbs, e := f.GetBasicBlocks()
		if e != nil {
			return e
		}
		for _, bb := range bbs {
			fmt.Fprintf(w, "bb_%s [label=<\n", bb.Start)
			fmt.Fprintf(w, "<TABLE BORDER='1' CELLBORDER='0'>\n")

			insns, e := bb.GetInstructions()
			if e != nil {
				return e
			}
			for _, insn := range insns {
				fmt.Fprintf(w, "  <TR>\n")
				fmt.Fprintf(w, "    <TD ALIGN=\"LEFT\">%s</TD>\n", insn.VA)
				fmt.Fprintf(w, "    <TD ALIGN=\"LEFT\">%s</TD>\n", html.EscapeString(insn.Text+annotate(ws, insn)))
				fmt.Fprintf(w, "  </TR>\n")
			}
			fmt.Fprintf(w, "</TABLE>\n")
			fmt.Fprintf(w, ">];\n")

			next, e := bb.GetNextBasicBlocks()
			if e != nil {
				return e
			}
			for _, n := range next {
				fmt.Fprintf(w, "bb_%s -> bb_%s;\n", bb.Start, n.Start)
			}
		}
	}
	fmt.Fprintf(w, "}\n")
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

	a, e := artifacts.New(ws)
	if e != nil {
		return e
	}

	var fs []*artifacts.Function
	if s := c.String(fvaFlag.Name); s != "" {
		fva, e := utils.ParseVA(s)
		if e != nil {
			return e
		}
		if !ws.IsFunction(fva) {
			if e := ws.MakeFunction(fva); e != nil {
				return e
			}
		}
		f, e := a.GetFunction(fva)
		if e != nil {
			return e
		}
		fs = append(fs, f)
	} else {
		fs = a.GetFunctions()
	}

	if c.Bool(dotFlag.Name) {
		return writeDOT(os.Stdout, ws, fs)
	}
	for _, f := range fs {
		if e := printFunction(ws, f); e != nil {
			return e
		}
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Version = "0.1"
	app.Name = "functions"
	app.Usage = "Show the functions, basic blocks, and instructions found by analysis."
	app.Flags = []cli.Flag{utils.InputFlag, utils.FormatFlag, utils.ConfigFlag, utils.SignaturesFlag, fvaFlag, dotFlag, utils.VerboseFlag}
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
