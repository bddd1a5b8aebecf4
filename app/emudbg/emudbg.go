package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/anmitsu/go-shlex"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	"github.com/williballenthin/vivutils/emulator/drivers"
	"github.com/williballenthin/vivutils/utils"
	"github.com/williballenthin/vivutils/utils/hexdump"
	W "github.com/williballenthin/vivutils/workspace"
)

var vaFlag = cli.StringFlag{
	Name:  "va",
	Usage: "address to start emulation (hex), default: the entry point",
}

var promptColor = color.New(color.FgYellow)
var errorColor = color.New(color.FgRed)
var apiColor = color.New(color.FgCyan)

type session struct {
	ws  *W.Workspace
	dbg *drivers.DebuggerDriver
	out io.Writer
}

// apiMonitor prints calls as they are skipped.
type apiMonitor struct {
	drivers.BaseMonitor
}

func (apiMonitor) APICall(emu emulator.Emulator, op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol) {
	if api.SymbolName != "" {
		apiColor.Printf("call: %s.%s\n", api.ModuleName, api.SymbolName)
	} else {
		apiColor.Printf("call: %s (skipped)\n", target)
	}
}

func (apiMonitor) LogAnomaly(emu emulator.Emulator, va AS.VA, msg string) {
	errorColor.Printf("anomaly: %s: %s\n", va, msg)
}

// resolveNumber parses an address or count.
// `.` and `pc` refer to the program counter, `sp` to the stack pointer,
// and a word that isn't hex may name a function.
func (s *session) resolveNumber(word string) (uint64, error) {
	switch word {
	case ".", "pc", "eip", "rip":
		return uint64(s.dbg.GetProgramCounter()), nil
	case "sp", "esp", "rsp":
		return uint64(s.dbg.GetStackPointer()), nil
	}
	va, e := utils.ParseVA(word)
	if e != nil {
		if fva, ok := s.ws.FindFunctionByName(word); ok {
			return uint64(fva), nil
		}
	}
	return uint64(va), e
}

// args resolves the optional `[addr [count]]` arguments of a command.
func (s *session) args(words []string, addr AS.VA, count uint64) (AS.VA, uint64, error) {
	if len(words) > 1 {
		v, e := s.resolveNumber(words[1])
		if e != nil {
			return 0, 0, e
		}
		addr = AS.VA(v)
	}
	if len(words) > 2 {
		v, e := strconv.ParseUint(words[2], 0, 64)
		if e != nil {
			return 0, 0, e
		}
		count = v
	}
	return addr, count, nil
}

func (s *session) formatAddress(va AS.VA) (string, uint64, error) {
	op, e := s.ws.ParseOpcode(va)
	if e != nil {
		return "", 0, e
	}
	return fmt.Sprintf("%s: %-24x %s\n", va, op.Bytes, op.Text), op.Size, nil
}

func (s *session) printHelp() {
	fmt.Fprintf(s.out, "help:\n")
	fmt.Fprintf(s.out, "  q - quit\n")
	fmt.Fprintf(s.out, "  ?/h/help - help\n")
	fmt.Fprintf(s.out, "  t/stepi - step into\n")
	fmt.Fprintf(s.out, "  p/stepo - step over\n")
	fmt.Fprintf(s.out, "  g [addr] - run, until addr or a breakpoint\n")
	fmt.Fprintf(s.out, "  (addr may be hex, ., sp, or a function name)\n")
	fmt.Fprintf(s.out, "  bp addr - set breakpoint\n")
	fmt.Fprintf(s.out, "  bc addr - clear breakpoint\n")
	fmt.Fprintf(s.out, "  bl - list breakpoints\n")
	fmt.Fprintf(s.out, "  r - show registers\n")
	fmt.Fprintf(s.out, "  u [addr [count]] - disassemble\n")
	fmt.Fprintf(s.out, "  dc [addr [count]] - dump bytes\n")
	fmt.Fprintf(s.out, "  dps [addr [count]] - dump pointers\n")
	fmt.Fprintf(s.out, "  da addr - dump string\n")
}

// run continues emulation, optionally until the address in `words[1]`.
func (s *session) run(ctx context.Context, words []string) (drivers.Status, error) {
	if len(words) < 2 {
		return s.dbg.Run(ctx, 0)
	}
	va, e := s.resolveNumber(words[1])
	if e != nil {
		return drivers.StatusDone, e
	}
	return s.dbg.RunTo(ctx, AS.VA(va), 0)
}

// execute runs one command line, and returns true when the session should end.
func (s *session) execute(ctx context.Context, words []string) (bool, error) {
	if len(words) == 0 {
		return false, nil
	}

	switch words[0] {
	case "q":
		return true, nil

	case "?", "h", "help":
		s.printHelp()

	case "t", "stepi":
		return false, s.dbg.StepInto()

	case "p", "stepo":
		return false, s.dbg.StepOver()

	case "g":
		status, e := s.run(ctx, words)
		if e != nil {
			return false, e
		}
		fmt.Fprintf(s.out, "stopped: %s\n", status)

	case "bp", "bc":
		if len(words) < 2 {
			return false, errors.New("address required")
		}
		va, e := s.resolveNumber(words[1])
		if e != nil {
			return false, e
		}
		if words[0] == "bp" {
			s.dbg.AddBreakpoint(AS.VA(va))
			return false, nil
		}
		return false, s.dbg.RemoveBreakpoint(AS.VA(va))

	case "bl":
		for i, va := range s.dbg.Breakpoints() {
			fmt.Fprintf(s.out, "%d: %s\n", i, va)
		}

	case "r":
		fmt.Fprintf(s.out, "pc: %s\n", s.dbg.GetProgramCounter())
		fmt.Fprintf(s.out, "sp: %s\n", s.dbg.GetStackPointer())
		for i := 0; i < 4; i++ {
			v, e := emulator.GetStackValue(s.dbg, i)
			if e != nil {
				break
			}
			fmt.Fprintf(s.out, "  [sp+%d]: 0x%x\n", i*s.dbg.PointerSize(), v)
		}
		fmt.Fprintf(s.out, "steps: %d\n", s.dbg.Steps)

	case "u":
		addr, count, e := s.args(words, s.dbg.GetProgramCounter(), 3)
		if e != nil {
			return false, e
		}
		for i := uint64(0); i < count; i++ {
			text, size, e := s.formatAddress(addr)
			if e != nil {
				return false, e
			}
			fmt.Fprint(s.out, text)
			addr = addr.Add(size)
		}

	case "dc":
		addr, count, e := s.args(words, s.dbg.GetProgramCounter(), 0x40)
		if e != nil {
			return false, e
		}
		buf, e := s.dbg.MemRead(addr, count)
		if e != nil {
			return false, e
		}
		return false, hexdump.DumpFromOffset(buf, uint64(addr), s.out)

	case "dps":
		addr, count, e := s.args(words, s.dbg.GetStackPointer(), 8)
		if e != nil {
			return false, e
		}
		ptrSize := uint64(s.dbg.PointerSize())
		for i := uint64(0); i < count; i++ {
			buf, e := s.dbg.MemRead(addr, ptrSize)
			if e != nil {
				return false, e
			}
			va := AS.VA(0)
			for j := int(ptrSize) - 1; j >= 0; j-- {
				va = va<<8 | AS.VA(buf[j])
			}
			fmt.Fprintf(s.out, "%s: %s", addr, va)
			if sym, ok := s.ws.ResolveAPI(va); ok {
				fmt.Fprintf(s.out, "  ; %s.%s", sym.ModuleName, sym.SymbolName)
			}
			fmt.Fprintf(s.out, "\n")
			addr = addr.Add(ptrSize)
		}

	case "da":
		addr, _, e := s.args(words, s.dbg.GetProgramCounter(), 0)
		if e != nil {
			return false, e
		}
		str, e := emulator.ReadString(s.dbg, addr, 0x100)
		if e != nil {
			return false, e
		}
		fmt.Fprintf(s.out, "%s: %q\n", addr, str)

	default:
		return false, errors.Errorf("unknown command: %s", words[0])
	}
	return false, nil
}

func (s *session) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		if text, _, e := s.formatAddress(s.dbg.GetProgramCounter()); e == nil {
			fmt.Fprintf(s.out, "next:\n%s", text)
		}
		promptColor.Fprintf(s.out, "%s >", s.dbg.GetProgramCounter())

		if !scanner.Scan() {
			return scanner.Err()
		}
		words, e := shlex.Split(scanner.Text(), true)
		if e != nil {
			errorColor.Fprintf(s.out, "error: %s\n", e.Error())
			continue
		}

		done, e := s.execute(ctx, words)
		if e != nil {
			errorColor.Fprintf(s.out, "error: %s\n", e.Error())
		}
		if done {
			return nil
		}
	}
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

	var va AS.VA
	if s := c.String(vaFlag.Name); s != "" {
		va, e = utils.ParseVA(s)
		if e != nil {
			return e
		}
	} else if eps := ws.GetEntryPoints(); len(eps) > 0 {
		va = eps[0]
	} else {
		return errors.New("no entry point, provide --va")
	}

	emu, e := emulator.New(ws)
	if e != nil {
		return e
	}
	defer emu.Close()

	dbg := drivers.NewDebuggerDriver(ws, emu)
	dbg.AddMonitor(apiMonitor{})
	if e := dbg.SetProgramCounter(va); e != nil {
		return e
	}
	logrus.Debugf("emudbg: start: %s", va)

	s := &session{ws: ws, dbg: dbg, out: os.Stdout}
	return s.loop(context.Background(), os.Stdin)
}

func main() {
	app := cli.NewApp()
	app.Version = "0.1"
	app.Name = "emudbg"
	app.Usage = "Interactively emulate shellcode or a PE file."
	app.Flags = []cli.Flag{utils.InputFlag, utils.FormatFlag, utils.ConfigFlag, utils.SignaturesFlag, vaFlag, utils.VerboseFlag}
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
