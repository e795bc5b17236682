package asm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Opts
		wantErr bool
	}{
		{"O0 is always fine", Opts{Opt: O0}, false},
		{"mips1 with O1 is fine", Opts{Opt: O1, Mips1: true}, false},
		{"mips1 with O0 is rejected", Opts{Opt: O0, Mips1: true}, true},
		{"mips1 with framepointer is rejected", Opts{Opt: O1, Mips1: true, FramePointer: true}, true},
		{"pascal with O2 is fine", Opts{Opt: O2, Pascal: true}, false},
		{"pascal with O0 is rejected", Opts{Opt: O0, Pascal: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewGlobalStateDerivedScalars(t *testing.T) {
	tests := []struct {
		name               string
		opts               Opts
		wantMin, wantSkip  int
		wantJtbl           bool
	}{
		{"O1 no framepointer", Opts{Opt: O1}, 2, 1, false},
		{"O1 framepointer", Opts{Opt: O1, FramePointer: true}, 6, 5, false},
		{"O0 no framepointer", Opts{Opt: O0}, 4, 4, false},
		{"O2 no framepointer uses jtbl", Opts{Opt: O2}, 2, 1, true},
		{"O2 with kpic forces prelude, no jtbl", Opts{Opt: O2, Kpic: true}, 2, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs := NewGlobalState(tt.opts)
			assert.Equal(t, tt.wantMin, gs.MinInstrCount)
			assert.Equal(t, tt.wantSkip, gs.SkipInstrCount)
			assert.Equal(t, tt.wantJtbl, gs.UseJtblForRodata)
		})
	}
}

func TestNextLateRodataHexNeverZeroLow16(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		v := gs.NextLateRodataHex()
		assert.NotZero(t, v&0xFFFF)
		assert.False(t, seen[v])
		seen[v] = true
	}
}

func TestUniqueNameScopedPerCategory(t *testing.T) {
	gs := NewGlobalState(Opts{Opt: O1})
	assert.Equal(t, "_asmpp_func1", gs.UniqueName("func"))
	assert.Equal(t, "_asmpp_func2", gs.UniqueName("func"))
	assert.Equal(t, "_asmpp_data1", gs.UniqueName("data"))
}

func TestOptsDumpYAML(t *testing.T) {
	opts := Opts{Opt: O2, Mips1: true}
	y, err := opts.DumpYAML()
	require.NoError(t, err)
	assert.Contains(t, y, "mips1: true")
}
