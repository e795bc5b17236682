package fixup

import (
	"testing"

	"github.com/Manu343726/asmembed/pkg/elf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMagicLittleEndian(t *testing.T) {
	haystack := make([]byte, 16)
	elf.LittleEndian.PutUint32(haystack[8:12], 0xDEADBEEF)

	pos, err := findMagic(elf.LittleEndian, haystack, 0xDEADBEEF, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, pos)
}

func TestFindMagicBigEndian(t *testing.T) {
	haystack := make([]byte, 16)
	elf.BigEndian.PutUint32(haystack[4:8], 0x12345678)

	pos, err := findMagic(elf.BigEndian, haystack, 0x12345678, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, pos)
}

func TestFindMagicRespectsFromOffset(t *testing.T) {
	haystack := make([]byte, 20)
	elf.LittleEndian.PutUint32(haystack[0:4], 0xAAAAAAAA)
	elf.LittleEndian.PutUint32(haystack[12:16], 0xAAAAAAAA)

	pos, err := findMagic(elf.LittleEndian, haystack, 0xAAAAAAAA, 4)
	require.NoError(t, err)
	assert.Equal(t, 12, pos)
}

func TestFindMagicNotFoundIsError(t *testing.T) {
	haystack := make([]byte, 8)
	_, err := findMagic(elf.LittleEndian, haystack, 0xCAFEBABE, 0)
	require.Error(t, err)
}

func TestAllZero(t *testing.T) {
	assert.True(t, allZero([]byte{0, 0, 0, 0}))
	assert.False(t, allZero([]byte{0, 0, 1, 0}))
	assert.True(t, allZero(nil))
}

func TestVerifyUniqueMagicIsNoopWhenSlowChecksDisabled(t *testing.T) {
	haystack := make([]byte, 16)
	elf.LittleEndian.PutUint32(haystack[0:4], 0x11111111)
	elf.LittleEndian.PutUint32(haystack[8:12], 0x11111111)

	// slowChecks is a compile-time constant false, so duplicates are
	// never flagged unless the opt-in verifier is enabled.
	err := VerifyUniqueMagic(elf.LittleEndian, haystack, 0x11111111)
	assert.NoError(t, err)
}
