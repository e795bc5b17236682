package asm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBlock(t *testing.T, desc string, lines []string) *AsmBlock {
	t.Helper()
	b := NewAsmBlock(desc, SecText, nil)
	for _, l := range lines {
		require.NoError(t, b.ProcessLine(l))
	}
	return b
}

func TestBuildDummyPlanTextOnly(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	b := buildBlock(t, "simple", []string{
		"glabel foo",
		"addiu $sp, $sp, -8",
		"nop",
		"nop",
		"jr $ra",
	})

	plan, err := BuildDummyPlan(b, gs)
	require.NoError(t, err)

	piece, ok := plan.Fn.Data[SecText]
	require.True(t, ok)
	assert.Equal(t, 16, piece.Size)
	assert.Equal(t, []string{"foo"}, plan.Fn.TextGlabels)
	assert.Contains(t, plan.SourceC, "void _asmpp_func1(void)")
	assert.Contains(t, piece.Source, "glabel foo")
}

func TestBuildDummyPlanMissingGlabel(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	b := NewAsmBlock("no-glabel", SecData, nil)
	require.NoError(t, b.ProcessLine(".word 1"))

	// A data-only block never triggers the glabel check (it's .text-specific).
	_, err := BuildDummyPlan(b, gs)
	require.NoError(t, err)
}

func TestBuildDummyPlanTextTooSmall(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O0, FramePointer: true}) // MinInstrCount = 8
	b := buildBlock(t, "tiny", []string{"glabel foo", "nop"})

	_, err := BuildDummyPlan(b, gs)
	require.Error(t, err)
}

func TestBuildDummyPlanSplitsLargeFunctions(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	lines := []string{"glabel foo"}
	for i := 0; i < 250; i++ {
		lines = append(lines, "nop")
	}
	b := buildBlock(t, "large", lines)

	plan, err := BuildDummyPlan(b, gs)
	require.NoError(t, err)
	assert.True(t, strings.Contains(plan.SourceC, "_large1"))
}

func TestBuildDummyPlanLateRodataRequiresEnoughText(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	lines := []string{"glabel foo", "nop", "nop", ".section .late_rodata", ".word 1, 2, 3, 4, 5, 6, 7, 8, 9"}
	b := buildBlock(t, "unbalanced", lines)

	_, err := BuildDummyPlan(b, gs)
	require.Error(t, err)
}

func TestBuildDummyPlanUsesJumpTableForRodata(t *testing.T) {
	// O2 without FramePointer/Kpic turns on UseJtblForRodata (opts.go).
	gs := NewGlobalState(Opts{Opt: O2})
	require.True(t, gs.UseJtblForRodata)

	lines := []string{"glabel foo"}
	for i := 0; i < 60; i++ {
		lines = append(lines, "nop")
	}
	// One leading float (so a jtbl can't be chosen at i==0, per the "already
	// emitted our first float/double" eligibility rule) followed by enough
	// words to clear jtblMinRodataSize.
	lines = append(lines, ".section .late_rodata", ".word 1, 2, 3, 4, 5, 6, 7")
	b := buildBlock(t, "jtbl", lines)

	plan, err := BuildDummyPlan(b, gs)
	require.NoError(t, err)

	assert.Contains(t, plan.SourceC, "switch (*(volatile int*)0)")
	assert.Contains(t, plan.SourceC, "case 0:")
	assert.Greater(t, plan.Fn.JtblRodataSize, 0)
	// Only the leading float's magic was emitted; the rest became jtbl rodata.
	assert.Len(t, plan.Fn.LateRodata, 1)
	assert.Equal(t, 6*4, plan.Fn.JtblRodataSize)
}

func TestBuildDummyPlanLateRodataAlignmentPairsDoubles(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	lines := []string{"glabel foo"}
	for i := 0; i < 20; i++ {
		lines = append(lines, "nop")
	}
	lines = append(lines, ".late_rodata_alignment 8", ".section .late_rodata", ".word 1, 2, 3, 4")
	b := buildBlock(t, "dbl", lines)
	require.Equal(t, 8, b.LateRodataAlignment)

	plan, err := BuildDummyPlan(b, gs)
	require.NoError(t, err)

	assert.Contains(t, plan.SourceC, "*(volatile double*)0 =")
	require.Len(t, plan.Fn.LateRodata, 4)
	seen := map[uint32]bool{}
	for _, m := range plan.Fn.LateRodata {
		assert.False(t, seen[m], "magic %x repeated", m)
		seen[m] = true
	}
}

func TestBuildDummyPlanLateRodataMagicsAreUnique(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	lines := []string{
		"glabel foo",
	}
	for i := 0; i < 40; i++ {
		lines = append(lines, "nop")
	}
	lines = append(lines, ".section .late_rodata", ".word 1, 2, 3")
	b := buildBlock(t, "lr", lines)

	plan, err := BuildDummyPlan(b, gs)
	require.NoError(t, err)

	require.Len(t, plan.Fn.LateRodata, 3)
	seen := map[uint32]bool{}
	for _, m := range plan.Fn.LateRodata {
		assert.NotZero(t, m&0xFFFF, "low 16 bits must be non-zero")
		assert.False(t, seen[m], "magic %x repeated", m)
		seen[m] = true
	}
}
