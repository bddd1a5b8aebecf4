package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/williballenthin/vivutils/config"
	"github.com/williballenthin/vivutils/loader"
	W "github.com/williballenthin/vivutils/workspace"
)

func TestParseVA(t *testing.T) {
	for _, s := range []string{"401000", "0x401000", "0X401000"} {
		va, e := ParseVA(s)
		if e != nil || va != 0x401000 {
			t.Fatalf("%s: %s %v", s, va, e)
		}
	}
	if _, e := ParseVA("main"); e == nil {
		t.Fatal("not a number")
	}
}

func TestLoadWorkspace(t *testing.T) {
	// push ebp; mov ebp, esp; ret
	path := filepath.Join(t.TempDir(), "sc.bin")
	if e := os.WriteFile(path, []byte{0x55, 0x8B, 0xEC, 0xC3}, 0644); e != nil {
		t.Fatalf("write: %v", e)
	}

	ws, e := LoadWorkspace(path, FormatAuto, config.Default(), true)
	if e != nil {
		t.Fatalf("load: %v", e)
	}
	defer ws.Close()
	if v, _ := ws.GetMeta(W.MetaFormat); v != "blob" {
		t.Fatalf("format: %q", v)
	}
	if !ws.IsFunction(config.DefaultShellcodeBase) {
		t.Fatalf("functions: %v", ws.GetFunctions())
	}

	if _, e := LoadWorkspace(path, "elf", config.Default(), false); errors.Cause(e) != loader.ErrUnsupportedFormat {
		t.Fatalf("unsupported: %v", e)
	}
	if _, e := LoadWorkspace(path, FormatPE, config.Default(), false); e == nil {
		t.Fatal("not a PE")
	}
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()
	for name, expected := range map[string]string{
		"MZ\x90\x00": FormatPE,
		"\x90\x90":   FormatShellcode,
		"M":          FormatShellcode,
	} {
		path := filepath.Join(dir, "sample")
		os.WriteFile(path, []byte(name), 0644)
		if format, e := detectFormat(path); e != nil || format != expected {
			t.Fatalf("%q: %s %v", name, format, e)
		}
	}
}
