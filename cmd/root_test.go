package cmd

import (
	"os"
	"testing"

	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetOptFlags() {
	flagO0, flagO1, flagO2, flagG = false, false, false, false
}

func TestResolveOptLevelRequiresExactlyOne(t *testing.T) {
	defer resetOptFlags()

	resetOptFlags()
	_, err := resolveOptLevel()
	require.Error(t, err, "no level selected should fail")

	resetOptFlags()
	flagO1 = true
	level, err := resolveOptLevel()
	require.NoError(t, err)
	assert.Equal(t, asm.O1, level)

	resetOptFlags()
	flagO0, flagO2 = true, true
	_, err = resolveOptLevel()
	require.Error(t, err, "two levels selected should fail")
}

func TestConfigStringFlagWinsOverViperAndFallback(t *testing.T) {
	defer viper.Reset()

	viper.Set("assembler", "from-viper")
	got := configString(true, "from-flag", "assembler", "fallback")
	assert.Equal(t, "from-flag", got)
}

func TestConfigStringFallsBackToViperWhenFlagNotSet(t *testing.T) {
	defer viper.Reset()

	viper.Set("assembler", "from-viper")
	got := configString(false, "", "assembler", "fallback")
	assert.Equal(t, "from-viper", got)
}

func TestConfigStringFallsBackToDefaultWhenNeitherSet(t *testing.T) {
	defer viper.Reset()

	got := configString(false, "", "unset_key", "fallback")
	assert.Equal(t, "fallback", got)
}

func TestWritePreprocessOutputToFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.c"

	old := flagOutput
	flagOutput = path
	defer func() { flagOutput = old }()

	writePreprocessOutput("int x;\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "int x;\n", string(data))
}
