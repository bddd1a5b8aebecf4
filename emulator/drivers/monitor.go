package drivers

import (
	"context"

	"github.com/sirupsen/logrus"
	AS "github.com/williballenthin/vivutils/address_space"
	"github.com/williballenthin/vivutils/disassembly"
	"github.com/williballenthin/vivutils/emulator"
	W "github.com/williballenthin/vivutils/workspace"
)

// Monitor receives callbacks as a driver emulates:
// before and after each instruction, at each API call, and on anomalies.
type Monitor interface {
	PreHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA)
	PostHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA)
	// APICall is invoked for calls that no hook handles.
	// `target` is zero when the call target is unknown.
	APICall(emu emulator.Emulator, op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol)
	LogAnomaly(emu emulator.Emulator, va AS.VA, msg string)
}

// BaseMonitor ignores every event. Embed it to implement only some callbacks.
type BaseMonitor struct{}

func (BaseMonitor) PreHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA)  {}
func (BaseMonitor) PostHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA) {}
func (BaseMonitor) APICall(emu emulator.Emulator, op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol) {
}
func (BaseMonitor) LogAnomaly(emu emulator.Emulator, va AS.VA, msg string) {}

// UntilVAMonitor stops the run when the program counter reaches an address.
// The instruction at the address is not emulated.
type UntilVAMonitor struct {
	BaseMonitor
	VA     AS.VA
	Hit    bool
	cancel context.CancelFunc
}

func NewUntilVAMonitor(va AS.VA, cancel context.CancelFunc) *UntilVAMonitor {
	return &UntilVAMonitor{VA: va, cancel: cancel}
}

func (m *UntilVAMonitor) PreHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA) {
	if va != m.VA {
		return
	}
	logrus.Debugf("driver: breakpoint hit: %s", va)
	m.Hit = true
	m.cancel()
}

// LoggingMonitor logs every event.
type LoggingMonitor struct{}

func (LoggingMonitor) PreHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA) {
	logrus.Debugf("monitor: pre:  %s", op)
}

func (LoggingMonitor) PostHook(emu emulator.Emulator, op *disassembly.OpCode, va AS.VA) {
	logrus.Debugf("monitor: post: %s: pc=%s sp=%s", va, emu.GetProgramCounter(), emu.GetStackPointer())
}

func (LoggingMonitor) APICall(emu emulator.Emulator, op *disassembly.OpCode, target AS.VA, api W.LinkedSymbol) {
	logrus.WithFields(logrus.Fields{
		"va":     op.VA,
		"target": target,
		"api":    api,
	}).Debug("monitor: api call")
}

func (LoggingMonitor) LogAnomaly(emu emulator.Emulator, va AS.VA, msg string) {
	logrus.Warnf("monitor: anomaly: %s: %s", va, msg)
}

type Anomaly struct {
	VA      AS.VA
	Message string
}

// AnomalyCollector records the anomalies of a run.
type AnomalyCollector struct {
	BaseMonitor
	anomalies []Anomaly
}

func (m *AnomalyCollector) LogAnomaly(emu emulator.Emulator, va AS.VA, msg string) {
	m.anomalies = append(m.anomalies, Anomaly{VA: va, Message: msg})
}

func (m *AnomalyCollector) Anomalies() []Anomaly {
	return m.anomalies
}
