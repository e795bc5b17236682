package fixup

import (
	"strings"
	"testing"

	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/Manu343726/asmembed/pkg/elf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPiecesInSection(t *testing.T) {
	pieces := []*piece{
		{section: asm.SecText},
		{section: asm.SecRodata},
		{section: asm.SecText},
	}

	got := piecesInSection(pieces, asm.SecText)
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Equal(t, asm.SecText, p.section)
	}
}

func TestSectionTagStripsLeadingDot(t *testing.T) {
	assert.Equal(t, "text", sectionTag(asm.SecText))
	assert.Equal(t, "late_rodata", sectionTag(asm.SecLateRodata))
}

func TestEmitPaddingText(t *testing.T) {
	var b strings.Builder
	emitPadding(&b, asm.SecText, 8)
	assert.Equal(t, "nop\nnop\n", b.String())
}

func TestEmitPaddingData(t *testing.T) {
	var b strings.Builder
	emitPadding(&b, asm.SecRodata, 12)
	assert.Equal(t, ".space 12\n", b.String())
}

func TestResolveOffsetsSkipsMissingSymbolsAndRecordsValue(t *testing.T) {
	target := &elf.File{
		Sections: []elf.Section{
			{Name: "", Index: 0},
			{Name: ".text", Index: 1},
		},
		Symbols: []elf.Symbol{
			{Name: "", Shndx: elf.SHNUNDEF},
			elf.NewSymbol("_asmpp_func1", 0x20, 0, elf.STBLOCAL, elf.STTNOTYPE, 1),
		},
	}

	pieces := []*piece{
		{tempName: "_asmpp_func1", section: asm.SecText},
		{tempName: "_asmpp_optimized_out", section: asm.SecText},
	}

	out, err := resolveOffsets(target, asm.SecText, pieces)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(0x20), out[0].offset)
}

func TestResolveOffsetsMissingSectionIsError(t *testing.T) {
	target := &elf.File{Sections: []elf.Section{{Name: "", Index: 0}}}
	_, err := resolveOffsets(target, asm.SecText, []*piece{{tempName: "x"}})
	require.Error(t, err)
}

func TestVerifyPieceSizesMatches(t *testing.T) {
	assembled := &elf.File{
		Symbols: []elf.Symbol{
			elf.NewSymbol("_asmpp_text_start0", 0x100, 0, elf.STBLOCAL, elf.STTNOTYPE, 1),
			elf.NewSymbol("_asmpp_text_end0", 0x110, 0, elf.STBLOCAL, elf.STTNOTYPE, 1),
		},
	}
	pieces := []*piece{{startSym: "_asmpp_text_start0", endSym: "_asmpp_text_end0", size: 16, tempName: "_asmpp_func1"}}

	require.NoError(t, verifyPieceSizes(assembled, pieces))
}

func TestVerifyPieceSizesMismatchIsError(t *testing.T) {
	assembled := &elf.File{
		Symbols: []elf.Symbol{
			elf.NewSymbol("_asmpp_text_start0", 0x100, 0, elf.STBLOCAL, elf.STTNOTYPE, 1),
			elf.NewSymbol("_asmpp_text_end0", 0x108, 0, elf.STBLOCAL, elf.STTNOTYPE, 1),
		},
	}
	pieces := []*piece{{startSym: "_asmpp_text_start0", endSym: "_asmpp_text_end0", size: 16, tempName: "_asmpp_func1"}}

	err := verifyPieceSizes(assembled, pieces)
	require.Error(t, err)
}

func TestVerifyPieceSizesMissingMarkerIsError(t *testing.T) {
	assembled := &elf.File{}
	pieces := []*piece{{startSym: "_asmpp_text_start0", endSym: "_asmpp_text_end0", size: 16, tempName: "_asmpp_func1"}}

	err := verifyPieceSizes(assembled, pieces)
	require.Error(t, err)
}

func TestBuildAssemblySourceOrdersBySectionAndOffset(t *testing.T) {
	target := &elf.File{
		Sections: []elf.Section{
			{Name: "", Index: 0},
			{Name: ".text", Index: 1},
		},
		Symbols: []elf.Symbol{
			{Name: "", Shndx: elf.SHNUNDEF},
			elf.NewSymbol("_asmpp_func1", 0x8, 0, elf.STBLOCAL, elf.STTNOTYPE, 1),
		},
	}

	functions := []asm.Function{
		{
			TextGlabels: []string{"foo"},
			Data: map[asm.Section]asm.SectionPiece{
				asm.SecText: {TempName: "_asmpp_func1", Size: 4, Source: "glabel foo\nnop"},
			},
		},
	}

	src, pieces, err := buildAssemblySource(target, functions, nil)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.Contains(t, src, ".section .text")
	assert.Contains(t, src, "nop\n") // padding for the gap before offset 0x8
	assert.Contains(t, src, "glabel foo")
	assert.Contains(t, src, "_asmpp_text_start0")
	assert.Contains(t, src, "_asmpp_text_end0")
}
