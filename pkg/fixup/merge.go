package fixup

import (
	"strings"

	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/Manu343726/asmembed/pkg/elf"
	"golang.org/x/exp/slices"
)

// mergeObjects implements spec §4.5 steps 6-8 and 10-12 (step 9 is in
// statics.go, step 13 is mergeReginfo in fixup.go). String-table management
// (step 6) is implicit in this package's elf.File model: Symbol.Name is
// always the resolved Go string rather than a raw strtab offset, so
// elf.File.Write rebuilds .strtab fresh from whatever Symbols are present
// and no strtab_adj rebasing is needed.
func mergeObjects(target, assembled *elf.File, functions []asm.Function, funcSizes map[string]uint32, modifiedTextPositions, jtblPositions map[int]bool) error {
	referenced := collectReferencedSymbols(assembled)

	glabels := map[string]bool{}
	for _, fn := range functions {
		for _, g := range fn.TextGlabels {
			glabels[g] = true
		}
	}

	targetSecByName := map[string]int{}
	for i, s := range target.Sections {
		targetSecByName[s.Name] = i
	}
	assembledSecToTarget := map[uint16]uint16{}
	for i, s := range assembled.Sections {
		mapped := s.Name
		if mapped == ".late_rodata" {
			mapped = ".rodata"
		}
		if ti, ok := targetSecByName[mapped]; ok {
			assembledSecToTarget[uint16(i)] = uint16(ti)
		}
	}

	// Step 8: start from target's non-temp symbols.
	merged := make([]elf.Symbol, 0, len(target.Symbols))
	oldTargetIdx := map[int]int{}
	for i, sym := range target.Symbols {
		if isTempSymbol(sym.Name) {
			continue
		}
		oldTargetIdx[i] = len(merged)
		merged = append(merged, sym)
	}

	oldAssembledIdx := map[int]int{}
	for i, sym := range assembled.Symbols {
		if isTempSymbol(sym.Name) {
			continue
		}
		if sym.Bind() == elf.STBLOCAL && sym.Name != "" && !referenced[i] {
			continue
		}
		shndx := sym.Shndx
		if mapped, ok := assembledSecToTarget[shndx]; ok {
			shndx = mapped
		}
		if glabels[sym.Name] {
			sym.Info = (sym.Info & 0xf0) | elf.STTFUNC&0xf
			sym = elf.NewSymbol(sym.Name, sym.Value, funcSizes[sym.Name], sym.Bind(), elf.STTFUNC, shndx)
		} else {
			sym.Shndx = shndx
		}
		oldAssembledIdx[i] = len(merged)
		merged = append(merged, sym)
	}

	dedup, mergedToDedup, err := deduplicateSymbols(merged)
	if err != nil {
		return err
	}

	ordered, dedupToFinal := reorderSymbols(dedup)

	resolve := func(mergedIdx int) int {
		d, ok := mergedToDedup[mergedIdx]
		if !ok {
			return 0
		}
		return dedupToFinal[d]
	}

	target.Symbols = ordered
	if _, idx := target.Section(".symtab"); idx >= 0 {
		localCount := 0
		for _, s := range ordered {
			if s.Bind() == elf.STBLOCAL {
				localCount++
			} else {
				break
			}
		}
		target.Sections[idx].Info = uint32(localCount)
	}

	fixupTargetRelocations(target, oldTargetIdx, resolve, modifiedTextPositions, jtblPositions)
	migrateAssembledRelocations(target, assembled, oldAssembledIdx, resolve, assembledSecToTarget)

	return nil
}

func isTempSymbol(name string) bool {
	return strings.HasPrefix(name, "_asmpp_")
}

// collectReferencedSymbols implements spec §4.5 step 7: the set of symbol
// indices targeted by any relocation in the assembled object, so unused
// locals can be dropped from the merge without breaking anything.
func collectReferencedSymbols(f *elf.File) map[int]bool {
	out := map[int]bool{}
	for _, list := range f.Relocs {
		for _, r := range list {
			out[int(r.Symbol)] = true
		}
	}
	return out
}

// deduplicateSymbols implements spec §4.5 step 10: sort so defined entries
// win over undefined; for colliding names either the two are the same
// (shndx, value) and merge, or it is an error. mergedToDedup maps every
// original `merged` index (winners and losers alike) to the dedup-slice
// index that now represents that name, so relocations can retarget losers
// to the entry that survived.
func deduplicateSymbols(merged []elf.Symbol) ([]elf.Symbol, map[int]int, error) {
	byName := map[string]int{} // name -> dedup index
	mergedToDedup := map[int]int{}
	var out []elf.Symbol

	for i, sym := range merged {
		if sym.Name == "" {
			if sym.Bind() != elf.STBLOCAL && sym.Shndx == elf.SHNUNDEF {
				return nil, nil, asm.Failuref("empty-named global symbol is not allowed")
			}
			mergedToDedup[i] = len(out)
			out = append(out, sym)
			continue
		}
		if dIdx, ok := byName[sym.Name]; ok {
			priorSym := out[dIdx]
			priorDefined := priorSym.Shndx != elf.SHNUNDEF
			curDefined := sym.Shndx != elf.SHNUNDEF

			switch {
			case priorDefined && curDefined:
				if priorSym.Shndx == sym.Shndx && priorSym.Value == sym.Value {
					mergedToDedup[i] = dIdx
					continue
				}
				return nil, nil, asm.Failuref("symbol %q defined twice", sym.Name)
			case priorDefined && !curDefined:
				mergedToDedup[i] = dIdx
				continue
			case !priorDefined && curDefined:
				out[dIdx] = sym
				mergedToDedup[i] = dIdx
				continue
			default:
				if sym.Bind() == elf.STBLOCAL {
					return nil, nil, asm.Failuref("undefined local symbol %q", sym.Name)
				}
				mergedToDedup[i] = dIdx
				continue
			}
		}
		byName[sym.Name] = len(out)
		mergedToDedup[i] = len(out)
		out = append(out, sym)
	}

	return out, mergedToDedup, nil
}

// reorderSymbols implements spec §4.5 step 11: the reserved empty symbol
// first, then every local before every global, with `_gp_disp` last if
// present. Returns the new ordering and a map from dedup-slice index to
// final index.
func reorderSymbols(dedup []elf.Symbol) ([]elf.Symbol, map[int]int) {
	type tagged struct {
		sym     elf.Symbol
		dedupI  int
	}
	var zero []tagged
	var locals []tagged
	var globals []tagged
	var gpDisp []tagged

	for i, s := range dedup {
		t := tagged{sym: s, dedupI: i}
		switch {
		case s.Name == "" && s.Shndx == elf.SHNUNDEF && s.Value == 0 && s.Size == 0 && len(zero) == 0:
			zero = append(zero, t)
		case s.Name == "_gp_disp":
			gpDisp = append(gpDisp, t)
		case s.Bind() == elf.STBLOCAL:
			locals = append(locals, t)
		default:
			globals = append(globals, t)
		}
	}

	// Sort locals/globals by name for a deterministic symbol table layout
	// independent of merge-discovery order (spec §8 "Symbol uniqueness"
	// only requires the local/global partition, not a specific order
	// within it, so this is free to pick one and hold it stable).
	slices.SortStableFunc(locals, func(a, b tagged) int { return strings.Compare(a.sym.Name, b.sym.Name) })
	slices.SortStableFunc(globals, func(a, b tagged) int { return strings.Compare(a.sym.Name, b.sym.Name) })

	all := append(append(append(zero, locals...), globals...), gpDisp...)

	ordered := make([]elf.Symbol, len(all))
	dedupToFinal := map[int]int{}
	for newIdx, t := range all {
		ordered[newIdx] = t.sym
		dedupToFinal[t.dedupI] = newIdx
	}
	return ordered, dedupToFinal
}

// fixupTargetRelocations implements spec §4.5 step 12 (target half): drop
// relocations whose offset was overwritten by spliced bytes, and remap
// every surviving sym_index through the new symbol table.
func fixupTargetRelocations(target *elf.File, oldTargetIdx map[int]int, resolve func(int) int, modifiedTextPositions, jtblPositions map[int]bool) {
	for secIdx, list := range target.Relocs {
		secName := ""
		if secIdx < len(target.Sections) {
			secName = target.Sections[secIdx].Name
		}
		var kept []elf.Reloc
		for _, r := range list {
			if secName == ".text" && modifiedTextPositions[int(r.Offset)] {
				continue
			}
			if secName == ".rodata" && jtblPositions[int(r.Offset)] {
				continue
			}
			if mergedIdx, ok := oldTargetIdx[int(r.Symbol)]; ok {
				r.Symbol = uint32(resolve(mergedIdx))
			}
			kept = append(kept, r)
		}
		target.Relocs[secIdx] = kept
	}
}

// migrateAssembledRelocations implements spec §4.5 step 12 (assembled
// half): every relocation in the assembled object is remapped and appended
// to the matching target `.rel[a]<section>`, creating it with canonical
// header values if it does not yet exist.
func migrateAssembledRelocations(target, assembled *elf.File, oldAssembledIdx map[int]int, resolve func(int) int, secMap map[uint16]uint16) {
	for secIdx, list := range assembled.Relocs {
		mappedSec, ok := secMap[uint16(secIdx)]
		if !ok {
			continue
		}
		targetRelSecIdx := -1
		for i, s := range target.Sections {
			if (s.Type == elf.SHTREL || s.Type == elf.SHTRELA) && int(s.Info) == int(mappedSec) {
				targetRelSecIdx = i
				break
			}
		}
		if targetRelSecIdx < 0 {
			targetRelSecIdx = target.NewRelocSection(int(mappedSec), false)
		}

		for _, r := range list {
			mergedIdx, ok := oldAssembledIdx[int(r.Symbol)]
			if !ok {
				continue
			}
			r.Symbol = uint32(resolve(mergedIdx))
			target.Relocs[targetRelSecIdx] = append(target.Relocs[targetRelSecIdx], r)
		}
	}
}
