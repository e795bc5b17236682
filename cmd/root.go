package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Manu343726/asmembed/pkg/asm"
	"github.com/Manu343726/asmembed/pkg/fixup"
	"github.com/Manu343726/asmembed/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var (
	flagPostProcess    string
	flagAssembler      string
	flagAsmPrelude     string
	flagInputEnc       string
	flagOutputEnc      string
	flagDropMdebug     bool
	flagConvertStatics string
	flagForce          bool
	flagCutsceneFloats bool
	flagFramePointer   bool
	flagMips1          bool
	flagG3             bool
	flagKPIC           bool
	flagO0             bool
	flagO1             bool
	flagO2             bool
	flagG              bool
	flagOutput         string
	flagLogFile        string
	flagVerbose        bool
	flagDumpConfig     bool
)

// RootCmd is the single entry point: one executable, pre-process mode by
// default, post-process mode when --post-process is given. Discovery,
// validation and execution are bundled into one Run closure with early,
// explicit os.Exit on user error, the way a single-purpose build-step CLI
// is usually wired.
var RootCmd = &cobra.Command{
	Use:   "asmembed <source-file>",
	Short: "Embed hand-written MIPS assembly into a compiled object file",
	Long: `asmembed pre-processes a C/Pascal source file containing GLOBAL_ASM/
INCLUDE_ASM/INCLUDE_RODATA blocks into a dummy-bearing source the real
compiler can build, then post-processes the resulting object file by
assembling the extracted MIPS assembly and splicing it into the dummy
positions the compiler reserved.

Pre-process mode (default): reads <source-file> and writes the rewritten
source to stdout (or --output). Nothing else is saved between the two
invocations.

Post-process mode (--post-process PATH): re-runs the pre-process scan of
<source-file> to recover the Function records, then splices the real
assembly into PATH in place.`,
	Args: cobra.ExactArgs(1),
	Run:  runRoot,
}

// Execute runs the root command. Called once from main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := RootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.asmembed.yaml)")
	flags.StringVar(&flagPostProcess, "post-process", "", "path to the .o to splice into; absent means pre-process mode")
	flags.StringVar(&flagAssembler, "assembler", "", "assembler command, invoked as 'CMD file.s -o file.o' (required in post-process mode)")
	flags.StringVar(&flagAsmPrelude, "asm-prelude", "", "path to raw bytes prepended to the generated .s")
	flags.StringVar(&flagInputEnc, "input-enc", "latin1", "input source encoding")
	flags.StringVar(&flagOutputEnc, "output-enc", "latin1", "output source encoding")
	flags.BoolVar(&flagDropMdebug, "drop-mdebug-gptab", false, "strip .mdebug and any .gptab.* from the output object")
	flags.StringVar(&flagConvertStatics, "convert-statics", "local", "one of: no, local, global, global-with-filename")
	flags.BoolVar(&flagForce, "force", false, "post-process even when no embedded blocks were found")
	flags.BoolVar(&flagCutsceneFloats, "encode-cutscene-data-floats", false, "rewrite CutsceneData float literals to their IEEE-754 bit pattern as a decimal integer")
	flags.BoolVar(&flagFramePointer, "framepointer", false, "match a -framepointer compiler invocation")
	flags.BoolVar(&flagMips1, "mips1", false, "match a -mips1 compiler invocation")
	flags.BoolVar(&flagG3, "g3", false, "match a -g3 compiler invocation")
	flags.BoolVar(&flagKPIC, "KPIC", false, "match a -KPIC compiler invocation")
	flags.BoolVar(&flagO0, "O0", false, "match a -O0 compiler invocation")
	flags.BoolVar(&flagO1, "O1", false, "match a -O1 compiler invocation")
	flags.BoolVar(&flagO2, "O2", false, "match a -O2 compiler invocation")
	flags.BoolVar(&flagG, "g", false, "match a -g compiler invocation")
	flags.StringVarP(&flagOutput, "output", "o", "", "pre-process mode: output file (default stdout)")
	flags.StringVar(&flagLogFile, "log-file", "", "also write structured JSON logs to this file")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "log at Debug level")
	flags.BoolVar(&flagDumpConfig, "dump-config", false, "print the effective Opts as YAML to stderr and exit")

	cobra.OnInitialize(initConfig)
}

// initConfig reads a config file and environment variables: same
// AddConfigPath/SetConfigType/SetConfigName/AutomaticEnv shape as any
// viper-backed cobra CLI, using this tool's own config file name and env
// prefix.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".asmembed")
	}

	viper.SetEnvPrefix("ASMEMBED")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// configString returns the flag value if the user set it explicitly,
// otherwise viper's value (config file or ASMEMBED_* environment variable),
// otherwise fallback. Flags always win, per SPEC_FULL.md §2.4.
func configString(flagSet bool, flagVal, viperKey, fallback string) string {
	if flagSet {
		return flagVal
	}
	if v := viper.GetString(viperKey); v != "" {
		return v
	}
	return fallback
}

func runRoot(cmd *cobra.Command, args []string) {
	sourcePath := args[0]

	var logLevel logging.Level
	if flagVerbose {
		logLevel = logging.Level(-4) // slog.LevelDebug
	}
	var logFile io.Writer
	if flagLogFile != "" {
		f, err := os.Create(flagLogFile)
		if err != nil {
			logging.PrintFailure(fmt.Errorf("opening --log-file: %w", err))
			os.Exit(1)
		}
		defer f.Close()
		logFile = f
	}
	log := logging.New(logLevel, logFile)

	assembler := configString(cmd.Flags().Changed("assembler"), flagAssembler, "assembler", "")
	convertStatics := configString(cmd.Flags().Changed("convert-statics"), flagConvertStatics, "convert_statics", "local")
	inputEnc := configString(cmd.Flags().Changed("input-enc"), flagInputEnc, "input_enc", "latin1")
	outputEnc := configString(cmd.Flags().Changed("output-enc"), flagOutputEnc, "output_enc", "latin1")
	asmPrelude := configString(cmd.Flags().Changed("asm-prelude"), flagAsmPrelude, "asm_prelude", "")

	opt, err := resolveOptLevel()
	if err != nil {
		logging.PrintFailure(err)
		os.Exit(1)
	}

	opts := asm.Opts{
		Opt:                             opt,
		FramePointer:                    flagFramePointer,
		Mips1:                           flagMips1,
		Kpic:                            flagKPIC,
		InputEnc:                        inputEnc,
		OutputEnc:                       outputEnc,
		EnableCutsceneDataFloatEncoding: flagCutsceneFloats,
	}
	if flagG3 {
		if opt != asm.O2 {
			logging.PrintFailure(asm.Failuref("-g3 is only valid with -O2"))
			os.Exit(1)
		}
		opts.Opt = asm.OptG3
	}

	if err := opts.Validate(); err != nil {
		logging.PrintFailure(err)
		os.Exit(1)
	}

	if flagDumpConfig {
		y, err := opts.DumpYAML()
		if err != nil {
			logging.PrintFailure(err)
			os.Exit(1)
		}
		fmt.Fprint(os.Stderr, y)
		return
	}

	gs := asm.NewGlobalState(opts)
	opener := asm.OSOpener{Base: filepath.Dir(sourcePath)}
	pp := asm.NewPreprocessor(opts, gs, opener, log)

	result, err := pp.ProcessFile(sourcePath)
	if err != nil {
		logging.PrintFailure(err)
		os.Exit(1)
	}

	if flagVerbose {
		blocks, words := gs.Stats()
		log.Info("preprocessing complete", "blocks", blocks, "late_rodata_words", words, "dependencies", len(result.Dependencies))
	}

	if flagPostProcess == "" {
		writePreprocessOutput(result.Output)
		return
	}

	if len(result.Functions) == 0 && !flagForce {
		log.Debug("no GLOBAL_ASM blocks found, skipping post-process (use --force to override)", "path", flagPostProcess)
		return
	}

	if assembler == "" {
		logging.PrintFailure(fmt.Errorf("--assembler is required in post-process mode"))
		os.Exit(1)
	}

	var prelude []byte
	if asmPrelude != "" {
		b, err := os.ReadFile(asmPrelude)
		if err != nil {
			logging.PrintFailure(fmt.Errorf("reading --asm-prelude: %w", err))
			os.Exit(1)
		}
		prelude = b
	}

	cfg := fixup.Config{
		Assembler:       assembler,
		AsmPrelude:      prelude,
		DropMdebugGptab: flagDropMdebug,
		ConvertStatics:  fixup.ConvertStatics(convertStatics),
		Log:             log,
	}

	if err := fixup.FixupObjectFile(flagPostProcess, result.Functions, cfg); err != nil {
		logging.PrintFailure(err)
		os.Exit(1)
	}
}

func resolveOptLevel() (asm.OptLevel, error) {
	count := 0
	var level asm.OptLevel
	if flagO0 {
		count++
		level = asm.O0
	}
	if flagO1 {
		count++
		level = asm.O1
	}
	if flagO2 {
		count++
		level = asm.O2
	}
	if flagG {
		count++
		level = asm.OptG
	}
	if count == 0 {
		return 0, fmt.Errorf("exactly one of -O0, -O1, -O2, -g is required")
	}
	if count > 1 {
		return 0, fmt.Errorf("-O0, -O1, -O2 and -g are mutually exclusive")
	}
	return level, nil
}

func writePreprocessOutput(output string) {
	if flagOutput == "" {
		fmt.Print(output)
		return
	}
	if err := os.WriteFile(flagOutput, []byte(output), 0o644); err != nil {
		logging.PrintFailure(fmt.Errorf("writing --output: %w", err))
		os.Exit(1)
	}
}
