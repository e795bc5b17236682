package fixup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/Manu343726/asmembed/pkg/elf"
)

// piece is one Function/section pairing, resolved against the temp
// symbol's offset in the compiler's (target) object, with the start/end
// labels used to locate the matching assembled bytes after step 2.
type piece struct {
	fn       *asm.Function
	section  asm.Section
	tempName string
	size     int
	source   string
	offset   uint32 // offset within the section, from the target object's temp symbol
	startSym string
	endSym   string
}

const textSectionAlign = 4

// buildAssemblySource implements spec §4.5 step 1: for every non-bss
// section, sort that section's pieces by the offset their temp symbol
// occupies in the compiler's object, pad the gap since the previous piece
// with nops (.text) or .space (elsewhere), then sandwich the piece's real
// assembly between glabel start/end markers so the assembled object can be
// found again in step 2-4. Late rodata is accumulated separately with two
// words of leading padding (spec §4.5 step 1, ".late_rodata").
func buildAssemblySource(target *elf.File, functions []asm.Function, prelude []byte) (string, []*piece, error) {
	var pieces []*piece
	var lateRodataPieces []*piece
	var emitted []*piece

	for i := range functions {
		fn := &functions[i]
		for sec, data := range fn.Data {
			p := &piece{fn: fn, section: sec, tempName: data.TempName, size: data.Size, source: data.Source}
			if sec == asm.SecLateRodata {
				lateRodataPieces = append(lateRodataPieces, p)
			} else {
				pieces = append(pieces, p)
			}
		}
	}

	var b strings.Builder
	if len(prelude) > 0 {
		b.Write(prelude)
		b.WriteString("\n")
	}

	for _, sec := range []asm.Section{asm.SecText, asm.SecData, asm.SecRodata} {
		secPieces := piecesInSection(pieces, sec)
		if len(secPieces) == 0 {
			continue
		}
		secPieces, err := resolveOffsets(target, sec, secPieces)
		if err != nil {
			return "", nil, err
		}
		sort.Slice(secPieces, func(i, j int) bool { return secPieces[i].offset < secPieces[j].offset })
		emitted = append(emitted, secPieces...)

		fmt.Fprintf(&b, ".section %s\n", sec)
		prevLoc := uint32(0)
		for n, p := range secPieces {
			if p.offset > prevLoc {
				emitPadding(&b, sec, p.offset-prevLoc)
			}
			p.startSym = fmt.Sprintf("_asmpp_%s_start%d", sectionTag(sec), n)
			p.endSym = fmt.Sprintf("_asmpp_%s_end%d", sectionTag(sec), n)
			fmt.Fprintf(&b, "glabel %s\n", p.startSym)
			if p.source != "" {
				b.WriteString(p.source)
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "glabel %s\n", p.endSym)
			prevLoc = p.offset + uint32(p.size)
		}
	}

	if len(lateRodataPieces) > 0 {
		b.WriteString(".section .late_rodata\n")
		b.WriteString(".word 0, 0\n")
		for n, p := range lateRodataPieces {
			p.startSym = fmt.Sprintf("_asmpp_late_rodata_start%d", n)
			p.endSym = fmt.Sprintf("_asmpp_late_rodata_end%d", n)
			fmt.Fprintf(&b, "glabel %s\n", p.startSym)
			if p.source != "" {
				b.WriteString(p.source)
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "glabel %s\n", p.endSym)
		}
		emitted = append(emitted, lateRodataPieces...)
	}

	return b.String(), emitted, nil
}

func piecesInSection(pieces []*piece, sec asm.Section) []*piece {
	var out []*piece
	for _, p := range pieces {
		if p.section == sec {
			out = append(out, p)
		}
	}
	return out
}

func sectionTag(sec asm.Section) string {
	return strings.TrimPrefix(string(sec), ".")
}

func emitPadding(b *strings.Builder, sec asm.Section, n uint32) {
	if sec == asm.SecText {
		for i := uint32(0); i < n; i += 4 {
			b.WriteString("nop\n")
		}
		return
	}
	fmt.Fprintf(b, ".space %d\n", n)
}

// resolveOffsets finds each piece's temp symbol in the target object and
// records the byte offset it occupies within sec. A missing temp symbol
// means the dummy code was optimised out entirely (e.g. by an ifdef); spec
// §4.5 step 1 says to skip the whole function in that case rather than
// fail.
func resolveOffsets(target *elf.File, sec asm.Section, pieces []*piece) ([]*piece, error) {
	secPtr, secIdx := target.Section(string(sec))
	if secPtr == nil {
		return nil, asm.Failuref("object has no %s section but dummy code expected one", sec)
	}
	out := pieces[:0]
	for _, p := range pieces {
		sym := findSymbolInSection(target, p.tempName, secIdx)
		if sym == nil {
			continue
		}
		p.offset = sym.Value
		out = append(out, p)
	}
	return out, nil
}

func findSymbolInSection(target *elf.File, name string, secIdx int) *elf.Symbol {
	for i := range target.Symbols {
		if target.Symbols[i].Name == name && int(target.Symbols[i].Shndx) == secIdx {
			return &target.Symbols[i]
		}
	}
	return nil
}

// verifyPieceSizes enforces spec §4.5 step 3: the assembled object's
// start/end symbol pair for every piece must bound exactly `size` bytes,
// or the dummy-code generator's prediction disagreed with reality.
func verifyPieceSizes(assembled *elf.File, pieces []*piece) error {
	for _, p := range pieces {
		start := findSymbol(assembled, p.startSym)
		end := findSymbol(assembled, p.endSym)
		if start == nil || end == nil {
			return asm.Failuref("assembled object is missing markers for piece %s/%s", p.startSym, p.endSym)
		}
		got := end.Value - start.Value
		if int(got) != p.size {
			return asm.Failuref("size mismatch for %s: predicted %d bytes, assembler produced %d", p.tempName, p.size, got)
		}
	}
	return nil
}

func findSymbol(f *elf.File, name string) *elf.Symbol {
	i := f.SymbolIndex(name)
	if i < 0 {
		return nil
	}
	return &f.Symbols[i]
}
