package fixup

import (
	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/Manu343726/asmembed/pkg/elf"
)

// spliceBytes implements spec §4.5 step 4: for every non-late-rodata,
// non-bss piece, overwrite the target section's bytes in place over the
// dummy range, and record every modified .text byte offset so relocations
// against the dummy code can be dropped later.
func spliceBytes(target, assembled *elf.File, pieces []*piece) (map[int]bool, error) {
	modifiedTextPositions := map[int]bool{}

	for _, p := range pieces {
		if p.section == asm.SecLateRodata || p.section == asm.SecBss {
			continue
		}
		start := findSymbol(assembled, p.startSym)
		if start == nil {
			continue
		}
		asmSec, _ := assembled.Section(string(p.section))
		if asmSec == nil {
			return nil, asm.Failuref("assembled object missing %s", p.section)
		}
		srcBytes := asmSec.Data[start.Value : start.Value+uint32(p.size)]

		tgtSec, _ := target.Section(string(p.section))
		if tgtSec == nil || int(p.offset)+p.size > len(tgtSec.Data) {
			return nil, asm.Failuref("target %s too small to receive spliced bytes for %s", p.section, p.tempName)
		}
		copy(tgtSec.Data[p.offset:p.offset+uint32(p.size)], srcBytes)

		if p.section == asm.SecText {
			for i := 0; i < p.size; i++ {
				modifiedTextPositions[int(p.offset)+i] = true
			}
		}
	}

	return modifiedTextPositions, nil
}

// spliceLateRodata implements spec §4.5 step 5: late rodata cannot land at
// a predictable offset (the compiler chose where its dummy floats went),
// so each recorded 4-byte magic is located by searching the target
// `.rodata` bytes starting at the last match position, endian-swapping on
// little-endian targets, and skipping an extra 4 bytes when the next slot
// is followed by zero padding (the "double landed at the wrong 8-byte
// phase" case). A jump table's rodata (JtblRodataSize bytes) instead
// follows contiguously right after the function's last matched magic, with
// no magic search of its own, since it is the compiler-chosen placement of
// the switch statement's table of addresses (spec GLOSSARY "Late rodata").
// Only offsets within that contiguous jump-table run are reported back in
// jtblPositions: those, and only those, carry relocations the assembled
// .late_rodata copy must supply (fixupTargetRelocations drops the target's
// own stale ones there).
func spliceLateRodata(target, assembled *elf.File, pieces []*piece) (map[int]bool, error) {
	jtblPositions := map[int]bool{}

	tgtRodata, _ := target.Section(".rodata")
	if tgtRodata == nil {
		return jtblPositions, nil
	}

	lastPos := 0
	for _, p := range pieces {
		if p.section != asm.SecLateRodata {
			continue
		}
		start := findSymbol(assembled, p.startSym)
		if start == nil {
			continue
		}
		asmLate, _ := assembled.Section(".late_rodata")
		if asmLate == nil {
			return nil, asm.Failuref("assembled object missing .late_rodata")
		}
		srcBytes := asmLate.Data[start.Value : start.Value+uint32(p.size)]
		srcPos := 0

		for index, magic := range p.fn.LateRodata {
			pos, err := findMagic(target.Endian, tgtRodata.Data, magic, lastPos)
			if err != nil {
				return nil, err
			}
			if err := VerifyUniqueMagic(target.Endian, tgtRodata.Data, magic); err != nil {
				return nil, err
			}
			if index == 0 && len(p.fn.LateRodata) > 1 && pos+8 <= len(tgtRodata.Data) && allZero(tgtRodata.Data[pos+4:pos+8]) {
				pos += 4
			}
			if srcPos+4 <= len(srcBytes) {
				copy(tgtRodata.Data[pos:pos+4], srcBytes[srcPos:srcPos+4])
			}
			lastPos = pos + 4
			srcPos += 4
		}

		if p.fn.JtblRodataSize > 0 {
			if len(p.fn.LateRodata) == 0 {
				return nil, asm.Failuref("block %q: jump-table rodata with no preceding late rodata magic", p.fn.Desc)
			}
			n := p.fn.JtblRodataSize
			if srcPos+n > len(srcBytes) {
				n = len(srcBytes) - srcPos
			}
			if n > 0 && lastPos+n <= len(tgtRodata.Data) {
				copy(tgtRodata.Data[lastPos:lastPos+n], srcBytes[srcPos:srcPos+n])
				for i := 0; i < n; i++ {
					jtblPositions[lastPos+i] = true
				}
			}
			lastPos += n
			srcPos += n
		}
	}

	return jtblPositions, nil
}

// findMagic searches haystack for the 4-byte big-endian encoding of magic
// (endian-swapped for little-endian targets) starting at from, and returns
// the first match, failing only if there is none. It does not check that
// the match is the only one (spec §9 "Open question": the heuristic assumes
// exactly one occurrence; VerifyUniqueMagic is the opt-in SLOW_CHECKS
// verifier for that assumption).
func findMagic(endian elf.Endian, haystack []byte, magic uint32, from int) (int, error) {
	want := make([]byte, 4)
	endian.PutUint32(want, magic)
	for i := from; i+4 <= len(haystack); i++ {
		if haystack[i] == want[0] && haystack[i+1] == want[1] && haystack[i+2] == want[2] && haystack[i+3] == want[3] {
			return i, nil
		}
	}
	return 0, asm.Failuref("late rodata magic %#08x not found in .rodata", magic)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// slowChecks is an opt-in constant: when true, VerifyUniqueMagic is
// consulted by callers that want to catch a magic value occurring more
// than once, trading the extra scan cost for certainty that the splice
// heuristic picked the right occurrence.
const slowChecks = false

// VerifyUniqueMagic scans the whole of haystack and returns an error if
// magic's big-endian byte pattern occurs more than once, the verifier spec
// §9's open question asks implementations to preserve.
func VerifyUniqueMagic(endian elf.Endian, haystack []byte, magic uint32) error {
	if !slowChecks {
		return nil
	}
	want := make([]byte, 4)
	endian.PutUint32(want, magic)
	count := 0
	for i := 0; i+4 <= len(haystack); i++ {
		if haystack[i] == want[0] && haystack[i+1] == want[1] && haystack[i+2] == want[2] && haystack[i+3] == want[3] {
			count++
		}
	}
	if count > 1 {
		return asm.Failuref("late rodata magic %#08x occurs %d times, splice is ambiguous", magic, count)
	}
	return nil
}
