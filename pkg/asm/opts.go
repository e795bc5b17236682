package asm

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// OptLevel is the compiler optimization level the upstream high-level
// compiler was invoked with. It drives the prologue-size assumptions the
// dummy-code generator (C4) relies on to know how many leading .text
// instruction slots are actually the compiler's own function prologue.
type OptLevel int

const (
	O0 OptLevel = iota
	O1
	O2
	OptG
	OptG3
)

func (o OptLevel) String() string {
	switch o {
	case O0:
		return "O0"
	case O1:
		return "O1"
	case O2:
		return "O2"
	case OptG:
		return "g"
	case OptG3:
		return "g3"
	default:
		return fmt.Sprintf("OptLevel(%d)", int(o))
	}
}

// Opts is the immutable per-run configuration (spec §3 Opts). It is built
// once at CLI startup (or by an embedding caller) and threaded read-only
// through every component.
type Opts struct {
	Opt                             OptLevel `yaml:"opt"`
	FramePointer                    bool     `yaml:"framepointer"`
	Mips1                           bool     `yaml:"mips1"`
	Kpic                            bool     `yaml:"kpic"`
	Pascal                          bool     `yaml:"pascal"`
	InputEnc                        string   `yaml:"input_enc"`
	OutputEnc                       string   `yaml:"output_enc"`
	EnableCutsceneDataFloatEncoding bool     `yaml:"enable_cutscene_data_float_encoding"`
}

// DumpYAML renders the effective options as YAML, used by the CLI's
// --dump-config diagnostic flag (SPEC_FULL.md §4).
func (o Opts) DumpYAML() (string, error) {
	b, err := yaml.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("marshal opts: %w", err)
	}
	return string(b), nil
}

// Validate checks the flag constraints from spec §6:
//   - -g3 only with -O2 (the CLI layer promotes this combination to OptG3
//     before Validate is ever called, so by the time Opts reaches this
//     package Opt is already the resolved level)
//   - -mips1 only with O1/O2 and no framepointer
//   - Pascal sources only with O1/O2/g3
func (o Opts) Validate() error {
	if o.Mips1 {
		if o.Opt != O1 && o.Opt != O2 {
			return Failuref("-mips1 is only valid with -O1 or -O2")
		}
		if o.FramePointer {
			return Failuref("-mips1 is not compatible with -framepointer")
		}
	}
	if o.Pascal {
		switch o.Opt {
		case O1, O2, OptG3:
		default:
			return Failuref("Pascal sources require -O1, -O2 or -g3")
		}
	}
	return nil
}

// lateRodataMagicStart is the first value GlobalState's magic counter
// produces; it is distinctive enough not to collide with real rodata
// constants while still round-tripping through a 32-bit lui/ori pair.
const lateRodataMagicStart uint32 = 0xE0123456

// GlobalState is the mutable, per-file build context (spec §3 GlobalState).
// It owns the late-rodata magic counter, the unique-name counter, and the
// derived scalars computed once from Opts at construction time.
type GlobalState struct {
	opts Opts

	nextMagic   uint32
	nameCounter map[string]int

	MinInstrCount       int
	SkipInstrCount      int
	UseJtblForRodata    bool
	PreludeIfLateRodata int

	numBlocksSeen    int
	lateRodataWords  int
}

// NewGlobalState builds a fresh per-invocation context from Opts, computing
// the min_instr_count / skip_instr_count / use_jtbl_for_rodata /
// prelude_if_late_rodata table from spec §4.3.
func NewGlobalState(opts Opts) *GlobalState {
	gs := &GlobalState{
		opts:        opts,
		nextMagic:   lateRodataMagicStart,
		nameCounter: make(map[string]int),
	}

	switch opts.Opt {
	case O1, O2:
		if opts.FramePointer {
			gs.MinInstrCount, gs.SkipInstrCount = 6, 5
		} else {
			gs.MinInstrCount, gs.SkipInstrCount = 2, 1
		}
	case O0:
		if opts.FramePointer {
			gs.MinInstrCount, gs.SkipInstrCount = 8, 8
		} else {
			gs.MinInstrCount, gs.SkipInstrCount = 4, 4
		}
	case OptG:
		if opts.FramePointer {
			gs.MinInstrCount, gs.SkipInstrCount = 7, 7
		} else {
			gs.MinInstrCount, gs.SkipInstrCount = 4, 4
		}
	case OptG3:
		if opts.FramePointer {
			gs.MinInstrCount, gs.SkipInstrCount = 4, 4
		} else {
			gs.MinInstrCount, gs.SkipInstrCount = 2, 2
		}
	}

	if opts.Kpic {
		switch opts.Opt {
		case O0, OptG:
			gs.MinInstrCount += 3
			gs.SkipInstrCount += 3
		case O2, OptG3:
			gs.PreludeIfLateRodata = 3
		}
	}

	gs.UseJtblForRodata = (opts.Opt == O2 || opts.Opt == OptG3) && !opts.FramePointer && !opts.Kpic

	return gs
}

// NextLateRodataHex returns the next unique 32-bit magic value for a
// late-rodata dummy float/double write. Values whose low 16 bits are zero
// are skipped so the assembler never collapses the load into a lui-only
// encoding that could be confused with a different magic during the splice
// heuristic (spec §4.3, §8 "Magic uniqueness").
func (gs *GlobalState) NextLateRodataHex() uint32 {
	v := gs.nextMagic
	for v&0xFFFF == 0 {
		v++
	}
	gs.nextMagic = v + 1
	return v
}

// UniqueName returns a fresh identifier shaped "_asmpp_<category><n>", where
// n is a monotone counter scoped to category (e.g. "func", "data",
// "rodata", "bss", "late_rodata").
func (gs *GlobalState) UniqueName(category string) string {
	gs.nameCounter[category]++
	return fmt.Sprintf("_asmpp_%s%d", category, gs.nameCounter[category])
}

// RecordBlock is called once per finished AsmBlock, purely for the
// --verbose summary logging.
func (gs *GlobalState) RecordBlock(lateRodataBytes int) {
	gs.numBlocksSeen++
	gs.lateRodataWords += lateRodataBytes / 4
}

// Stats reports how many blocks were processed and how many late-rodata
// words they collectively requested, for --verbose logging only.
func (gs *GlobalState) Stats() (blocks, lateRodataWords int) {
	return gs.numBlocksSeen, gs.lateRodataWords
}

// Opts returns the options this state was constructed from.
func (gs *GlobalState) Opts() Opts {
	return gs.opts
}
