package asm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxFnSize is the largest number of dummy instruction slots a single
// generated C function is allowed to claim before the builder splits the
// .text placeholder into multiple functions (spec §4.3, "large functions").
// Some compilers choke on huge switch/volatile-write sequences long before
// they would on the equivalent real code, so a GLOBAL_ASM block whose .text
// footprint exceeds this is spread across "<name>", "<name>_large1",
// ... helper functions that all still land contiguously in one .text piece.
const MaxFnSize = 100

// SectionPiece is the temp symbol, byte size and real assembly source
// attributed to one section of one GLOBAL_ASM block. The fixup phase (C6)
// locates TempName in the compiler's object to learn where Source, once
// assembled, must be spliced in (spec §4.5 step 1).
type SectionPiece struct {
	TempName string
	Size     int
	Source   string
}

// Function is the per-block record threaded from preprocessing (C5) into
// object fixup (C6): the block's glabels (promoted to STT_FUNC at splice
// time), its per-section dummy pieces, the late-rodata magic values it
// claimed, and (when a jump table was used) the contiguous byte count that
// follows the last magic and must be copied as one run (spec §6, "functions"
// return value).
type Function struct {
	Desc           string
	TextGlabels    []string
	Data           map[Section]SectionPiece
	LateRodata     []uint32
	JtblRodataSize int
}

func newFunction(desc string) Function {
	return Function{Desc: desc, Data: map[Section]SectionPiece{}}
}

// DummyPlan is the C4 output for one AsmBlock: the C source text that
// should replace it (one or more dummy functions plus section
// declarations) and the Function record fixup will later consume.
type DummyPlan struct {
	Fn      Function
	SourceC string // the full dummy replacement, ready to splice into C5's output
}

// BuildDummyPlan turns one finished AsmBlock into the dummy C it should be
// replaced with, honoring GlobalState's min/skip instruction counts and the
// jump-table-vs-static-write choice for late rodata (spec §4.3). Most of the
// work is in renderTextFunctions: late-rodata filler statements are woven
// directly into the dummy .text function's instruction slots, not declared
// as a side array, since the target compiler is not assumed to support
// GNU section attributes.
func BuildDummyPlan(b *AsmBlock, gs *GlobalState) (*DummyPlan, error) {
	fn := newFunction(b.FnDesc)
	fn.TextGlabels = b.TextGlabels

	var out strings.Builder

	textWords := b.Size(SecText) / 4
	lateWords := b.Size(SecLateRodata) / 4

	var lateStatements []string
	var magics []uint32
	jtblRodataSize := 0
	if lateWords > 0 {
		var err error
		lateStatements, magics, jtblRodataSize, err = buildLateRodataStatements(gs, textWords, lateWords, b.LateRodataAlignment)
		if err != nil {
			return nil, err
		}
	}

	textName := ""
	if textWords > 0 || len(lateStatements) > 0 {
		textName = gs.UniqueName("func")
		src, err := renderTextFunctions(gs, textName, b.FnDesc, textWords, lateStatements)
		if err != nil {
			return nil, err
		}
		out.WriteString(src)
	}
	if textWords > 0 {
		fn.Data[SecText] = SectionPiece{TempName: textName, Size: textWords * 4, Source: b.SectionSource(SecText)}
	}

	for _, sec := range []Section{SecData, SecRodata, SecBss} {
		n := b.Size(sec)
		if n == 0 {
			continue
		}
		name := gs.UniqueName(sectionCategory(sec))
		fn.Data[sec] = SectionPiece{TempName: name, Size: n, Source: b.SectionSource(sec)}
		out.WriteString(renderSectionDecl(sec, name, n))
	}

	if lateWords > 0 {
		fn.LateRodata = magics
		fn.JtblRodataSize = jtblRodataSize
		fn.Data[SecLateRodata] = SectionPiece{TempName: gs.UniqueName("late_rodata"), Size: lateWords * 4, Source: b.SectionSource(SecLateRodata)}
	}

	gs.RecordBlock(b.Size(SecLateRodata))
	return &DummyPlan{Fn: fn, SourceC: out.String()}, nil
}

func sectionCategory(s Section) string {
	switch s {
	case SecData:
		return "data"
	case SecRodata:
		return "rodata"
	case SecBss:
		return "bss"
	default:
		return "sec"
	}
}

// renderTextFunctions opens one dummy C function per spec §4.3 point 2 and
// fills its textWords instruction slots in order: the first SkipInstrCount
// slots (plus PreludeIfLateRodata more, once late-rodata statements are
// pending) are left blank to absorb the compiler's own prologue, and every
// slot after that pops the next statement off lateStatements before falling
// back to a plain `*(volatile int*)0 = 0;`. Once a function accumulates more
// than MaxFnSize filler statements it is closed and a new "_large" function
// opened in its place, unless doing so would split a still-in-progress
// multi-slot statement (a float/double write or jump table, represented by
// one non-empty entry followed by blank continuation entries).
func renderTextFunctions(gs *GlobalState, name, desc string, textWords int, lateStatements []string) (string, error) {
	if textWords < gs.MinInstrCount {
		return "", Failuref("block %q: .text content (%d instructions) is smaller than the compiler's minimum function size (%d)", desc, textWords, gs.MinInstrCount)
	}

	rodata := lateStatements

	var b strings.Builder
	fmt.Fprintf(&b, "void %s(void) {", name)

	totEmitted, totSkipped := 0, 0
	fnEmitted, fnSkipped := 0, 0
	skipping := true
	largeIdx := 0

	for totEmitted < textWords {
		if fnEmitted > MaxFnSize && textWords-totEmitted > gs.MinInstrCount &&
			(len(rodata) == 0 || rodata[0] != "") {
			fnEmitted, fnSkipped = 0, 0
			skipping = true
			largeIdx++
			fmt.Fprintf(&b, " } void %s_large%d(void) {", name, largeIdx)
		}

		skipBudget := gs.SkipInstrCount
		if len(rodata) > 0 {
			skipBudget += gs.PreludeIfLateRodata
		}
		if skipping && fnSkipped < skipBudget {
			fnSkipped++
			totSkipped++
		} else {
			skipping = false
			if len(rodata) > 0 {
				b.WriteString(rodata[0])
				rodata = rodata[1:]
			} else {
				b.WriteString(" *(volatile int*)0 = 0;")
			}
		}
		totEmitted++
		fnEmitted++
	}
	b.WriteString(" }")

	if len(rodata) > 0 {
		size := len(lateStatements) / 3
		available := textWords - totSkipped
		return "", Failuref(
			"block %q: late rodata to text ratio is too high: %d / %d must be <= 1/3; "+
				"add .late_rodata_alignment (4|8) to the .late_rodata block to double the allowed ratio",
			desc, size, available)
	}

	return b.String(), nil
}

func renderSectionDecl(sec Section, name string, n int) string {
	switch sec {
	case SecRodata:
		return fmt.Sprintf(" const char %s[%d] = {1};", name, n)
	case SecBss:
		return fmt.Sprintf(" char %s[%d];", name, n)
	default: // SecData
		return fmt.Sprintf(" char %s[%d] = {1};", name, n)
	}
}

// buildLateRodataStatements implements spec §4.3 point 1
// (GlobalAsmBlock.finish's late-rodata plan): walk the requested late-rodata
// words, emitting either a volatile float/double store (3 instruction slots
// worth: the statement plus two blank continuation entries; a double takes
// two slots more under mips1 since it lacks ldc1/sdc1) or, once eligible, a
// single jump table switch statement that accounts for all remaining words
// at once. Under mips1 one more blank slot is appended at the end when the
// last entry was a float, or a jump table that did not start at word 2.
// textWords is the block's total .text instruction budget, used to decide
// whether a jump table would still leave enough slots for the rest of the
// function.
func buildLateRodataStatements(gs *GlobalState, textWords, lateWords, lateRodataAlignment int) (statements []string, magics []uint32, jtblRodataSize int, err error) {
	needsDouble := lateRodataAlignment != 0
	mips1 := gs.Opts().Mips1
	if gs.Opts().Pascal {
		return nil, nil, 0, Failuref("late-rodata dummy generation for Pascal sources is not supported")
	}

	jtblSize := 9
	jtblMinRodataSize := 5
	if mips1 {
		jtblSize = 11
	}

	skipNext := false
	extraMips1Nop := false

	for i := 0; i < lateWords; i++ {
		if skipNext {
			skipNext = false
			continue
		}

		// Jump tables give jtblSize instructions for >= jtblMinRodataSize
		// words of rodata, and are only safe once we've already emitted our
		// first float/double (so the created rodata is findable in the
		// binary, and so any .double alignment requirement is already
		// resolved) and once enough .text budget remains to host them.
		if !needsDouble && gs.UseJtblForRodata && i >= 1 &&
			lateWords-i >= jtblMinRodataSize &&
			textWords-len(statements) >= jtblSize+1 {
			k := lateWords - i
			cases := make([]string, k)
			for c := range cases {
				cases[c] = fmt.Sprintf("case %d:", c)
			}
			statements = append(statements, fmt.Sprintf(" switch (*(volatile int*)0) { %s ; }", strings.Join(cases, " ")))
			for j := 0; j < jtblSize-1; j++ {
				statements = append(statements, "")
			}
			jtblRodataSize = k * 4
			extraMips1Nop = i != 2
			break
		}

		dummy := gs.NextLateRodataHex()
		magics = append(magics, dummy)

		pairsForAlignment := lateRodataAlignment == 4*((i+1)%2+1)
		if pairsForAlignment && i+1 < lateWords {
			dummy2 := gs.NextLateRodataHex()
			magics = append(magics, dummy2)
			fval := math.Float64frombits(uint64(dummy)<<32 | uint64(dummy2))
			statements = append(statements, fmt.Sprintf(" *(volatile double*)0 = %s;", formatCFloat(fval, 64)))
			skipNext = true
			needsDouble = false
			if mips1 {
				statements = append(statements, "", "")
			}
			extraMips1Nop = false
		} else {
			fval := math.Float32frombits(dummy)
			statements = append(statements, fmt.Sprintf(" *(volatile float*)0 = %sf;", formatCFloat(float64(fval), 32)))
			extraMips1Nop = true
		}
		statements = append(statements, "", "")
	}

	if mips1 && extraMips1Nop {
		statements = append(statements, "")
	}

	return statements, magics, jtblRodataSize, nil
}

// formatCFloat renders f the way Python's default float repr would: the
// shortest decimal string that round-trips, valid as a C floating literal.
func formatCFloat(f float64, bitSize int) string {
	return strconv.FormatFloat(f, 'g', -1, bitSize)
}
