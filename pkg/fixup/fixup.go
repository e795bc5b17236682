// Package fixup implements object-file post-processing (spec §4.5, C6):
// assembling the real MIPS bytes for every GLOBAL_ASM block and splicing
// them into the compiler's object file in place of the dummy placeholders
// C4 generated.
package fixup

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/Manu343726/asmembed/pkg/elf"
)

// ConvertStatics selects how file-static symbols recorded in `.mdebug` are
// promoted during merge (spec §6, `--convert-statics`).
type ConvertStatics string

const (
	ConvertStaticsNo                 ConvertStatics = "no"
	ConvertStaticsLocal              ConvertStatics = "local"
	ConvertStaticsGlobal             ConvertStatics = "global"
	ConvertStaticsGlobalWithFilename ConvertStatics = "global-with-filename"
)

// Config is everything FixupObjectFile needs beyond the object path and
// Function list (spec §4.5 inputs).
type Config struct {
	Assembler       string
	AsmPrelude      []byte
	DropMdebugGptab bool
	ConvertStatics  ConvertStatics
	Log             *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// FixupObjectFile runs the full C6 algorithm against the object at objPath,
// overwriting it in place on success (spec §4.5 step 14). Temp files are
// guaranteed to be removed on every exit path (spec §4.6).
func FixupObjectFile(objPath string, functions []asm.Function, cfg Config) error {
	log := cfg.logger()

	raw, err := os.ReadFile(objPath)
	if err != nil {
		return err
	}
	target, err := elf.Parse(raw)
	if err != nil {
		return asm.Failuref("failed to parse object %s: %v", objPath, err)
	}

	if len(functions) == 0 {
		log.Debug("no embedded blocks found, nothing to splice", "path", objPath)
		return nil
	}

	asmSrc, pieces, err := buildAssemblySource(target, functions, cfg.AsmPrelude)
	if err != nil {
		return err
	}

	tmp, cleanup, err := writeTempAsm(asmSrc)
	defer cleanup()
	if err != nil {
		return err
	}

	assembledPath, cleanupO, err := assemble(cfg.Assembler, tmp)
	defer cleanupO()
	if err != nil {
		return err
	}

	assembledRaw, err := os.ReadFile(assembledPath)
	if err != nil {
		return err
	}
	assembled, err := elf.Parse(assembledRaw)
	if err != nil {
		return asm.Failuref("failed to parse assembled object: %v", err)
	}

	if err := verifyPieceSizes(assembled, pieces); err != nil {
		return err
	}

	modifiedTextPositions, err := spliceBytes(target, assembled, pieces)
	if err != nil {
		return err
	}

	jtblPositions, err := spliceLateRodata(target, assembled, pieces)
	if err != nil {
		return err
	}

	funcSizes := map[string]uint32{}
	for _, fn := range functions {
		for _, name := range fn.TextGlabels {
			if p, ok := fn.Data[asm.SecText]; ok {
				funcSizes[name] = uint32(p.Size)
			}
		}
	}

	if cfg.ConvertStatics != ConvertStaticsNo && cfg.ConvertStatics != "" {
		if err := promoteStatics(target, cfg.ConvertStatics, filepath.Base(objPath)); err != nil {
			return err
		}
	}

	if err := mergeObjects(target, assembled, functions, funcSizes, modifiedTextPositions, jtblPositions); err != nil {
		return err
	}

	if cfg.DropMdebugGptab {
		dropMdebugAndGptab(target)
	}

	mergeReginfo(target, assembled)

	out, err := target.Write()
	if err != nil {
		return err
	}
	return os.WriteFile(objPath, out, 0o644)
}

func writeTempAsm(src string) (string, func(), error) {
	f, err := os.CreateTemp("", "asmembed_*.s")
	cleanup := func() {
		if f != nil {
			os.Remove(f.Name())
		}
	}
	if err != nil {
		return "", cleanup, err
	}
	defer f.Close()
	if _, err := f.WriteString(src); err != nil {
		return "", cleanup, err
	}
	return f.Name(), cleanup, nil
}

// assemble invokes the configured assembler: build argv, run via
// exec.Command, fold stdout/stderr into the error on non-zero exit.
func assemble(assemblerCmd, srcPath string) (string, func(), error) {
	outPath := srcPath[:len(srcPath)-len(filepath.Ext(srcPath))] + ".o"
	cleanup := func() { os.Remove(outPath) }

	cmd := exec.Command(assemblerCmd, srcPath, "-o", outPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", cleanup, asm.Failuref("failed to assemble: %v\n%s", err, output)
	}
	return outPath, cleanup, nil
}

func mergeReginfo(target, assembled *elf.File) {
	ts, ti := target.Section(".reginfo")
	as, _ := assembled.Section(".reginfo")
	if ts == nil || as == nil || len(ts.Data) != 20 || len(as.Data) != 20 {
		return
	}
	merged := make([]byte, 20)
	for i := range merged {
		merged[i] = ts.Data[i] | as.Data[i]
	}
	target.Sections[ti].Data = merged
}

func dropMdebugAndGptab(target *elf.File) {
	drop := map[string]bool{}
	for _, s := range target.Sections {
		if s.Name == ".mdebug" || (len(s.Name) > 7 && s.Name[:7] == ".gptab.") {
			drop[s.Name] = true
		}
	}
	if len(drop) > 0 {
		target.DropSections(drop)
	}
}
