package fixup

import (
	"testing"

	"github.com/Manu343726/asmembed/pkg/elf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectReferencedSymbols(t *testing.T) {
	f := &elf.File{
		Relocs: map[int][]elf.Reloc{
			1: {{Offset: 0, Symbol: 3}, {Offset: 4, Symbol: 5}},
			2: {{Offset: 0, Symbol: 3}},
		},
	}

	got := collectReferencedSymbols(f)
	assert.True(t, got[3])
	assert.True(t, got[5])
	assert.False(t, got[7])
}

func TestDeduplicateSymbolsMergesIdenticalDefinitions(t *testing.T) {
	merged := []elf.Symbol{
		elf.NewSymbol("foo", 0x10, 4, elf.STBGLOBAL, elf.STTFUNC, 1),
		elf.NewSymbol("foo", 0x10, 4, elf.STBGLOBAL, elf.STTFUNC, 1),
	}

	out, mergedToDedup, err := deduplicateSymbols(merged)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0, mergedToDedup[0])
	assert.Equal(t, 0, mergedToDedup[1])
}

func TestDeduplicateSymbolsConflictingDefinitionsIsError(t *testing.T) {
	merged := []elf.Symbol{
		elf.NewSymbol("foo", 0x10, 4, elf.STBGLOBAL, elf.STTFUNC, 1),
		elf.NewSymbol("foo", 0x20, 4, elf.STBGLOBAL, elf.STTFUNC, 1),
	}

	_, _, err := deduplicateSymbols(merged)
	require.Error(t, err)
}

func TestDeduplicateSymbolsDefinedWinsOverUndefined(t *testing.T) {
	merged := []elf.Symbol{
		elf.NewSymbol("foo", 0, 0, elf.STBGLOBAL, elf.STTNOTYPE, elf.SHNUNDEF),
		elf.NewSymbol("foo", 0x10, 4, elf.STBGLOBAL, elf.STTFUNC, 1),
	}

	out, mergedToDedup, err := deduplicateSymbols(merged)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint16(1), out[0].Shndx)
	assert.Equal(t, 0, mergedToDedup[0])
	assert.Equal(t, 0, mergedToDedup[1])
}

func TestDeduplicateSymbolsUndefinedLocalIsError(t *testing.T) {
	merged := []elf.Symbol{
		elf.NewSymbol("foo", 0, 0, elf.STBLOCAL, elf.STTNOTYPE, elf.SHNUNDEF),
		elf.NewSymbol("foo", 0, 0, elf.STBLOCAL, elf.STTNOTYPE, elf.SHNUNDEF),
	}

	_, _, err := deduplicateSymbols(merged)
	require.Error(t, err)
}

func TestDeduplicateSymbolsEmptyNameGlobalUndefinedIsError(t *testing.T) {
	merged := []elf.Symbol{
		elf.NewSymbol("", 0, 0, elf.STBGLOBAL, elf.STTNOTYPE, elf.SHNUNDEF),
	}

	_, _, err := deduplicateSymbols(merged)
	require.Error(t, err)
}

func TestReorderSymbolsPartitionsAndOrdersByName(t *testing.T) {
	dedup := []elf.Symbol{
		elf.NewSymbol("", 0, 0, elf.STBLOCAL, elf.STTNOTYPE, elf.SHNUNDEF), // reserved zero entry
		elf.NewSymbol("zeta", 0, 0, elf.STBGLOBAL, elf.STTFUNC, 1),
		elf.NewSymbol("alpha", 0, 0, elf.STBLOCAL, elf.STTOBJECT, 1),
		elf.NewSymbol("_gp_disp", 0, 0, elf.STBGLOBAL, elf.STTNOTYPE, elf.SHNUNDEF),
		elf.NewSymbol("beta", 0, 0, elf.STBGLOBAL, elf.STTFUNC, 1),
		elf.NewSymbol("omega", 0, 0, elf.STBLOCAL, elf.STTOBJECT, 1),
	}

	ordered, dedupToFinal := reorderSymbols(dedup)
	require.Len(t, ordered, len(dedup))

	// Reserved zero entry stays first.
	assert.Equal(t, "", ordered[0].Name)
	assert.Equal(t, uint16(elf.SHNUNDEF), ordered[0].Shndx)

	// _gp_disp is always last.
	assert.Equal(t, "_gp_disp", ordered[len(ordered)-1].Name)

	// Locals (alpha, omega) come before globals (beta, zeta), each sorted by name.
	assert.Equal(t, "alpha", ordered[1].Name)
	assert.Equal(t, "omega", ordered[2].Name)
	assert.Equal(t, "beta", ordered[3].Name)
	assert.Equal(t, "zeta", ordered[4].Name)

	// dedupToFinal correctly tracks where each original dedup index landed.
	assert.Equal(t, 1, dedupToFinal[2]) // alpha was at dedup index 2
	assert.Equal(t, 4, dedupToFinal[1]) // zeta was at dedup index 1
}

func TestFixupTargetRelocationsDropsOverwrittenAndRemaps(t *testing.T) {
	target := &elf.File{
		Sections: []elf.Section{
			{Name: "", Index: 0},
			{Name: ".text", Index: 1},
			{Name: ".rodata", Index: 2},
		},
		Relocs: map[int][]elf.Reloc{
			1: {
				{Offset: 0, Symbol: 5},  // overwritten by splice, dropped
				{Offset: 40, Symbol: 5}, // survives, remapped
			},
			2: {
				{Offset: 8, Symbol: 5}, // overwritten jtbl position, dropped
			},
		},
	}
	oldTargetIdx := map[int]int{5: 2}
	resolve := func(mergedIdx int) int { return mergedIdx * 10 }
	modifiedText := map[int]bool{0: true}
	jtbl := map[int]bool{8: true}

	fixupTargetRelocations(target, oldTargetIdx, resolve, modifiedText, jtbl)

	require.Len(t, target.Relocs[1], 1)
	assert.Equal(t, uint32(40), target.Relocs[1][0].Offset)
	assert.Equal(t, uint32(20), target.Relocs[1][0].Symbol)
	assert.Empty(t, target.Relocs[2])
}
