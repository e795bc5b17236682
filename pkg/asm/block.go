package asm

import (
	"log/slog"
	"os"
	"strings"
)

// Section names the accumulator understands. MIPS assemblers support more,
// but spec.md's Non-goals restrict this tool to these five.
type Section string

const (
	SecText        Section = ".text"
	SecData        Section = ".data"
	SecRodata      Section = ".rodata"
	SecLateRodata  Section = ".late_rodata"
	SecBss         Section = ".bss"
)

var knownSections = map[Section]bool{
	SecText: true, SecData: true, SecRodata: true, SecLateRodata: true, SecBss: true,
}

// InsIndex records that `Count` dummy instruction slots must be attributed
// back to source line `Line` (an index into the block's own lines, 0-based)
// when the function builder (C4) distributes filler statements.
type InsIndex struct {
	Line  int
	Count int
}

// ContLine is one verbatim line of real embedded assembly, tagged with the
// section it belongs to. Lines are kept in the order they appeared so that,
// when a block switches sections more than once, re-emitting a single
// `.section S` run per section (SectionSource) still reproduces S's exact
// byte content.
type ContLine struct {
	Section Section
	Text    string
}

// AsmBlock accumulates the byte footprint a real assembler would produce
// for one GLOBAL_ASM/INCLUDE_ASM/INCLUDE_RODATA block, one source line at a
// time, without actually assembling anything (spec §4.2, C3).
type AsmBlock struct {
	FnDesc string

	curSection Section
	sizes      map[Section]int

	Conts []ContLine

	LateRodataAlignment         int // 0, 4 or 8
	lateRodataAlignmentFromDbl bool

	TextGlabels []string
	FnInsInds   []InsIndex

	gluedLine string
	NumLines  int

	log *slog.Logger
}

// NewAsmBlock starts a fresh accumulator. startSection lets
// INCLUDE_RODATA prefix the stream with an implicit ".section .rodata"
// (spec §4.4), while GLOBAL_ASM/INCLUDE_ASM start in .text.
func NewAsmBlock(fnDesc string, startSection Section, log *slog.Logger) *AsmBlock {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	b := &AsmBlock{
		FnDesc:     fnDesc,
		curSection: startSection,
		sizes:      map[Section]int{SecText: 0, SecData: 0, SecRodata: 0, SecLateRodata: 0, SecBss: 0},
		log:        log,
	}
	return b
}

// Size returns the accumulated byte footprint for the given section.
func (b *AsmBlock) Size(s Section) int {
	return b.sizes[s]
}

// Sizes returns a copy of the full section -> byte-size map.
func (b *AsmBlock) Sizes() map[Section]int {
	out := make(map[Section]int, len(b.sizes))
	for k, v := range b.sizes {
		out[k] = v
	}
	return out
}

func (b *AsmBlock) align(n int) {
	cur := b.sizes[b.curSection]
	if rem := cur % n; rem != 0 {
		b.sizes[b.curSection] = cur + (n - rem)
	}
}

// addSized accounts for n bytes consumed by a directive or instruction in
// the current section, line being the block-relative source line it came
// from. It mirrors GlobalAsmBlock.add_sized: a .text (or .late_rodata) size
// must be a multiple of 4, and any .text contribution requires at least one
// glabel to have been seen in .text so far — not necessarily on this visit
// to .text, since a block may switch back into .text after a glabel was
// already recorded earlier (e.g. .text -> .rodata -> .text).
func (b *AsmBlock) addSized(n int, line int) error {
	if (b.curSection == SecText || b.curSection == SecLateRodata) && n%4 != 0 {
		return Failuref("%s size for block %q is not a multiple of 4 (%d bytes)", b.curSection, b.FnDesc, n)
	}
	if n < 0 {
		return Failuref("size cannot be negative in block %q", b.FnDesc)
	}
	b.sizes[b.curSection] += n
	if b.curSection == SecText {
		if len(b.TextGlabels) == 0 {
			return Failuref("block %q: .text block without an initial glabel", b.FnDesc)
		}
		b.FnInsInds = append(b.FnInsInds, InsIndex{Line: line, Count: n / 4})
	}
	return nil
}

func (b *AsmBlock) checkTextOrLateRodataAlignment() error {
	if b.curSection == SecText || b.curSection == SecLateRodata {
		if b.sizes[b.curSection]%4 != 0 {
			return Failuref("%s size for block %q is not a multiple of 4 (%d bytes)", b.curSection, b.FnDesc, b.sizes[b.curSection])
		}
	}
	return nil
}

// ProcessLine consumes one physical line of embedded assembly, updating the
// section byte-size map and verbatim-content lists. It handles trailing
// backslash line continuation internally: callers should call it once per
// physical line and only treat the block as having consumed a logical line
// once it returns without pending continuation (HasPendingContinuation).
func (b *AsmBlock) ProcessLine(raw string) error {
	b.NumLines++

	trimmedRaw := strings.TrimRight(raw, "\r\n")
	if b.gluedLine != "" {
		trimmedRaw = b.gluedLine + trimmedRaw
		b.gluedLine = ""
	}

	if strings.HasSuffix(strings.TrimRight(trimmedRaw, " \t"), "\\") {
		b.gluedLine = strings.TrimSuffix(strings.TrimRight(trimmedRaw, " \t"), "\\")
		return nil
	}

	logical := trimmedRaw
	stripped := strings.TrimSpace(stripComment(logical))
	if stripped == "" {
		return nil
	}

	lineIdx := b.NumLines - 1

	content := stripped
	hadLabel := false
	for {
		name, rest, ok := labelPrefix(content)
		if !ok {
			break
		}
		hadLabel = true
		_ = name
		content = rest
		if content == "" {
			break
		}
	}

	if content == "" {
		// Pure label line: not appended, no size effect.
		return nil
	}

	fields := strings.Fields(content)
	head := fields[0]
	argsStr := strings.TrimSpace(strings.TrimPrefix(content, head))

	isSectionChange := false

	switch {
	case head == "glabel" || head == "jlabel":
		name := strings.TrimSpace(argsStr)
		if b.curSection == SecText {
			b.TextGlabels = append(b.TextGlabels, name)
		}

	case head == "dlabel" || head == "endlabel":
		// No size effect, recorded verbatim below.

	case head == ".section":
		isSectionChange = true
		name := strings.TrimSpace(argsStr)
		if err := b.switchSection(Section(name)); err != nil {
			return err
		}

	case isBareSectionDirective(head):
		isSectionChange = true
		if err := b.switchSection(Section(head)); err != nil {
			return err
		}

	case head == ".late_rodata_alignment":
		n, ok := parseInt(argsStr)
		if !ok || (n != 4 && n != 8) {
			return Failuref(".late_rodata_alignment must be 4 or 8, got %q", argsStr)
		}
		if b.LateRodataAlignment != 0 && b.LateRodataAlignment != n {
			return Failuref(".late_rodata_alignment conflicts with previously inferred alignment %d", b.LateRodataAlignment)
		}
		b.LateRodataAlignment = n
		b.lateRodataAlignmentFromDbl = false

	case head == ".incbin":
		args := splitArgs(argsStr)
		if len(args) == 0 {
			return Failuref(".incbin requires a size argument")
		}
		n, ok := parseInt(args[len(args)-1])
		if !ok {
			return Failuref(".incbin size argument %q is not an integer", args[len(args)-1])
		}
		if err := b.addSized(n, lineIdx); err != nil {
			return err
		}

	case head == ".word" || head == ".gpword" || head == ".float":
		nargs := len(splitArgs(argsStr))
		b.align(4)
		if err := b.addSized(4*nargs, lineIdx); err != nil {
			return err
		}

	case head == ".double":
		nargs := len(splitArgs(argsStr))
		b.align(4)
		preSize := b.sizes[b.curSection]
		if err := b.addSized(8*nargs, lineIdx); err != nil {
			return err
		}
		if b.curSection == SecLateRodata {
			inferred := 8 - (preSize % 8)
			if inferred == 8 {
				inferred = 8
			}
			if b.LateRodataAlignment != 0 && !b.lateRodataAlignmentFromDbl && b.LateRodataAlignment != inferred {
				return Failuref(".double alignment %d conflicts with explicit .late_rodata_alignment %d", inferred, b.LateRodataAlignment)
			}
			if b.LateRodataAlignment != 0 && b.lateRodataAlignmentFromDbl && b.LateRodataAlignment != inferred {
				return Failuref(".double alignment inferred twice with conflicting values (%d vs %d)", b.LateRodataAlignment, inferred)
			}
			b.LateRodataAlignment = inferred
			b.lateRodataAlignmentFromDbl = true
		}

	case head == ".space":
		n, ok := parseInt(argsStr)
		if !ok {
			return Failuref(".space argument %q is not an integer", argsStr)
		}
		if err := b.addSized(n, lineIdx); err != nil {
			return err
		}

	case head == ".balign":
		args := splitArgs(argsStr)
		if len(args) == 0 || strings.TrimSpace(args[0]) != "4" {
			return Failuref("only .balign 4 is supported")
		}
		b.align(4)

	case head == ".align":
		args := splitArgs(argsStr)
		if len(args) == 0 || strings.TrimSpace(args[0]) != "2" {
			return Failuref("only .align 2 is supported")
		}
		b.align(4)

	case head == ".ascii" || head == ".asciz" || head == ".asciiz":
		str, ok := quotedStringArg(argsStr)
		if !ok {
			return Failuref("%s requires a quoted string argument", head)
		}
		if err := b.addSized(countQuotedSize(str, head != ".ascii"), lineIdx); err != nil {
			return err
		}

	case head == ".byte":
		nargs := len(splitArgs(argsStr))
		if err := b.addSized(nargs, lineIdx); err != nil {
			return err
		}

	case head == ".half" || head == ".hword" || head == ".short":
		nargs := len(splitArgs(argsStr))
		b.align(2)
		if err := b.addSized(2*nargs, lineIdx); err != nil {
			return err
		}

	case head == ".size":
		// no-op

	case strings.HasPrefix(head, "."):
		return Failuref("unrecognized assembler directive %q in block %q", head, b.FnDesc)

	default:
		// An actual instruction: only accepted in .text. Any other section
		// fails here; in .text addSized records its 4 bytes.
		if b.curSection != SecText {
			return Failuref("instruction or macro call outside .text in block %q", b.FnDesc)
		}
		if err := b.addSized(4, lineIdx); err != nil {
			return err
		}
	}

	if err := b.checkTextOrLateRodataAlignment(); err != nil {
		return err
	}

	if !isSectionChange {
		if b.curSection == SecLateRodata && head == ".double" {
			b.Conts = append(b.Conts, ContLine{Section: b.curSection, Text: ".align 0"})
			b.Conts = append(b.Conts, ContLine{Section: b.curSection, Text: logical})
			b.Conts = append(b.Conts, ContLine{Section: b.curSection, Text: ".align 2"})
		} else {
			b.Conts = append(b.Conts, ContLine{Section: b.curSection, Text: logical})
		}
	}

	_ = hadLabel
	b.log.Debug("processed asm line", "block", b.FnDesc, "section", string(b.curSection), "line", logical)
	return nil
}

// HasPendingContinuation reports whether the most recent ProcessLine call
// ended with a trailing backslash and is waiting for its continuation.
func (b *AsmBlock) HasPendingContinuation() bool {
	return b.gluedLine != ""
}

func isBareSectionDirective(head string) bool {
	switch head {
	case ".text", ".data", ".rdata", ".rodata", ".bss", ".late_rodata":
		return true
	default:
		return false
	}
}

func (b *AsmBlock) switchSection(name Section) error {
	if name == ".rdata" {
		name = SecRodata
	}
	if !knownSections[name] {
		return Failuref("unsupported section %q", string(name))
	}
	b.curSection = name
	return nil
}

// CurrentSection returns the section the accumulator is currently in.
func (b *AsmBlock) CurrentSection() Section {
	return b.curSection
}

// SectionSource returns every verbatim line recorded for section sec,
// joined in the order it was seen. Re-emitting this under a single
// `.section sec` reproduces that section's exact byte content even if the
// original block switched sections more than once.
func (b *AsmBlock) SectionSource(sec Section) string {
	var parts []string
	for _, c := range b.Conts {
		if c.Section == sec {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
