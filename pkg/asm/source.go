package asm

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Dependency is one file the preprocessor had to open while scanning a
// source, either a recursively-included .c/.p or an INCLUDE_ASM/
// INCLUDE_RODATA .s fragment. Callers (e.g. a build system) use this list
// to know what else should invalidate the output.
type Dependency struct {
	Path string
}

// FileOpener resolves the textual content of a path referenced from a
// GLOBAL_ASM/INCLUDE_ASM/INCLUDE_RODATA/#include directive. Production
// code backs this with the filesystem; tests can substitute an in-memory
// map.
type FileOpener interface {
	Open(path string) (io.ReadCloser, error)
}

// OSOpener is the production FileOpener: paths are resolved relative to
// Base (typically the directory holding the top-level source passed to
// ProcessFile), falling back to the path as given if Base is empty.
type OSOpener struct {
	Base string
}

func (o OSOpener) Open(path string) (io.ReadCloser, error) {
	resolved := path
	if o.Base != "" && !filepath.IsAbs(path) {
		resolved = filepath.Join(o.Base, path)
	}
	return os.Open(resolved)
}

// Result is everything the CLI (or an embedding caller) needs from one
// preprocessing pass: the rewritten source, the Function records the
// post-process phase will need, and the build dependencies discovered
// while scanning.
type Result struct {
	Output       string
	Functions    []Function
	Dependencies []Dependency
}

var (
	reGlobalAsmOpenPragma = regexp.MustCompile(`^\s*#pragma\s+GLOBAL_ASM\s*\(\s*$`)
	reGlobalAsmOpenBare   = regexp.MustCompile(`^\s*GLOBAL_ASM\s*\(\s*$`)
	reBlockClose          = regexp.MustCompile(`^\s*\)`)
	reGlobalAsmOneLine    = regexp.MustCompile(`^(\s*)GLOBAL_ASM\s*\(\s*"([^"]+)"\s*\)(.*)$`)
	reIncludeAsm          = regexp.MustCompile(`^(\s*)INCLUDE_ASM\s*\(\s*"([^"]+)"\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)(.*)$`)
	reIncludeRodata       = regexp.MustCompile(`^(\s*)INCLUDE_RODATA\s*\(\s*"([^"]+)"\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)(.*)$`)
	reAsmprocRecurse      = regexp.MustCompile(`^\s*#pragma\s+asmproc\s+recurse\s*$`)
	reIncludeDirective    = regexp.MustCompile(`^\s*#include\s*"([^"]+)"\s*$`)
	reCutsceneDataDecl    = regexp.MustCompile(`CutsceneData\s+[A-Za-z_][A-Za-z0-9_]*\s*\[\s*\]\s*=\s*\{`)
	reCutsceneDataEnd     = regexp.MustCompile(`\}\s*;`)
	reFloatLiteral        = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+([eE][-+]?[0-9]+)?f`)
)

// Preprocessor drives C5: it turns a high-level source file into the
// dummy-substituted source the real compiler will see, plus the Function
// records and dependency list the post-process phase and build system need.
type Preprocessor struct {
	opts   Opts
	gs     *GlobalState
	opener FileOpener
	log    *slog.Logger
}

// NewPreprocessor builds a driver bound to one GlobalState (so unique
// names and late-rodata magic values stay process-wide for the file being
// processed, per spec §5).
func NewPreprocessor(opts Opts, gs *GlobalState, opener FileOpener, log *slog.Logger) *Preprocessor {
	return &Preprocessor{opts: opts, gs: gs, opener: opener, log: log}
}

// ProcessFile preprocesses the named top-level source, reading it through
// the bound FileOpener.
func (p *Preprocessor) ProcessFile(path string) (*Result, error) {
	rc, err := p.opener.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	lines, err := readLines(rc)
	if err != nil {
		return nil, err
	}

	st := &scanState{pp: p, deps: map[string]bool{}}
	out, err := st.processLines(path, lines)
	if err != nil {
		return nil, err
	}
	fns := st.fns

	header := fmt.Sprintf("#line 1 %q", path)
	full := append([]string{header}, out...)

	deps := make([]Dependency, 0, len(st.deps))
	for d := range st.deps {
		deps = append(deps, Dependency{Path: d})
	}

	return &Result{
		Output:       strings.Join(full, "\n") + "\n",
		Functions:    fns,
		Dependencies: deps,
	}, nil
}

type scanState struct {
	pp   *Preprocessor
	deps map[string]bool
	fns  []Function
}

// processLines implements the line-preservation invariant from spec §8:
// every input line produces exactly one output line, except that a line
// which opened a multi-line GLOBAL_ASM block is where the whole block's
// substitute C code is spliced in once the closing ")" is seen. Discovered
// Function records are appended to st.fns, including ones found while
// recursing into a "#pragma asmproc recurse" include, since both share the
// same scanState.
func (st *scanState) processLines(path string, lines []string) ([]string, error) {
	out := make([]string, len(lines))

	var inCutscene bool

	i := 0
	for i < len(lines) {
		line := lines[i]

		switch {
		case reGlobalAsmOpenPragma.MatchString(line) || reGlobalAsmOpenBare.MatchString(line):
			blockLines, end, err := collectBlockLines(lines, i+1)
			if err != nil {
				return nil, Failuref("%s:%d: unterminated GLOBAL_ASM block", path, i+1)
			}
			fn, rendered, err := st.pp.finishBlock(fmt.Sprintf("%s:%d", path, i+1), SecText, blockLines)
			if err != nil {
				return nil, err
			}
			st.fns = append(st.fns, *fn)
			out[i] = rendered
			for j := i + 1; j <= end; j++ {
				out[j] = ""
			}
			i = end + 1
			continue

		case reGlobalAsmOneLine.MatchString(line):
			m := reGlobalAsmOneLine.FindStringSubmatch(line)
			indent, relPath, trailer := m[1], m[2], m[3]
			rendered, fn, err := st.includeOneLineAsm(path, relPath, SecText)
			if err != nil {
				if _, ok := err.(*Failure); ok {
					return nil, err
				}
				out[i] = fmt.Sprintf("%s#include \"GLOBAL_ASM:%s\"%s", indent, relPath, trailer)
				i++
				continue
			}
			st.fns = append(st.fns, *fn)
			out[i] = rendered
			i++
			continue

		case reIncludeAsm.MatchString(line):
			m := reIncludeAsm.FindStringSubmatch(line)
			indent, dir, name, trailer := m[1], m[2], m[3], m[4]
			relPath := filepath.Join(dir, name+".s")
			rendered, fn, err := st.includeOneLineAsm(path, relPath, SecText)
			if err != nil {
				if _, ok := err.(*Failure); ok {
					return nil, err
				}
				out[i] = fmt.Sprintf("%s#include \"GLOBAL_ASM:%s\"%s", indent, relPath, trailer)
				i++
				continue
			}
			st.fns = append(st.fns, *fn)
			out[i] = rendered
			i++
			continue

		case reIncludeRodata.MatchString(line):
			m := reIncludeRodata.FindStringSubmatch(line)
			indent, dir, name, trailer := m[1], m[2], m[3], m[4]
			relPath := filepath.Join(dir, name+".s")
			rendered, fn, err := st.includeOneLineAsm(path, relPath, SecRodata)
			if err != nil {
				if _, ok := err.(*Failure); ok {
					return nil, err
				}
				out[i] = fmt.Sprintf("%s#include \"GLOBAL_ASM:%s\"%s", indent, relPath, trailer)
				i++
				continue
			}
			st.fns = append(st.fns, *fn)
			out[i] = rendered
			i++
			continue

		case reAsmprocRecurse.MatchString(line):
			if i+1 >= len(lines) || !reIncludeDirective.MatchString(lines[i+1]) {
				return nil, Failuref("%s:%d: #pragma asmproc recurse must be followed by #include", path, i+1)
			}
			incPath := reIncludeDirective.FindStringSubmatch(lines[i+1])[1]
			resumeLine := i + 3 // 1-based line immediately after the #include
			rendered, err := st.recurseInclude(path, incPath, resumeLine)
			if err != nil {
				return nil, err
			}
			out[i] = ""
			out[i+1] = rendered
			i += 2
			continue

		default:
			if st.pp.opts.EnableCutsceneDataFloatEncoding {
				if !inCutscene && reCutsceneDataDecl.MatchString(line) {
					inCutscene = true
				}
				if inCutscene {
					line = encodeCutsceneFloats(line)
				}
				if inCutscene && reCutsceneDataEnd.MatchString(line) {
					inCutscene = false
				}
			}
			out[i] = line
			i++
		}
	}

	return out, nil
}

func collectBlockLines(lines []string, start int) (block []string, end int, err error) {
	for i := start; i < len(lines); i++ {
		if reBlockClose.MatchString(lines[i]) {
			return block, i, nil
		}
		block = append(block, lines[i])
	}
	return nil, 0, fmt.Errorf("unterminated block")
}

// finishBlock runs a complete set of source lines through an AsmBlock,
// builds its dummy replacement, and renders that replacement as a single
// (possibly multi-statement) line of C so the line-preservation invariant
// holds even though the original block spanned many lines.
func (p *Preprocessor) finishBlock(desc string, startSection Section, lines []string) (*Function, string, error) {
	b := NewAsmBlock(desc, startSection, p.log)
	for _, l := range lines {
		if err := b.ProcessLine(l); err != nil {
			return nil, "", err
		}
	}
	if b.HasPendingContinuation() {
		return nil, "", Failuref("%s: line continuation never terminated", desc)
	}

	plan, err := BuildDummyPlan(b, p.gs)
	if err != nil {
		return nil, "", err
	}

	return &plan.Fn, plan.SourceC, nil
}

// includeOneLineAsm streams a referenced .s file into a fresh AsmBlock and
// renders it the same way a multi-line GLOBAL_ASM block would be. Failure
// to open the file is reported to the caller so it can fall back to the
// deferred-#include trick spec §4.4 describes.
func (st *scanState) includeOneLineAsm(fromPath, relPath string, startSection Section) (string, *Function, error) {
	rc, err := st.pp.opener.Open(relPath)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	st.deps[relPath] = true

	lines, err := readLines(rc)
	if err != nil {
		return "", nil, err
	}
	fn, rendered, err := st.pp.finishBlock(relPath, startSection, lines)
	if err != nil {
		return "", nil, err
	}
	return rendered, fn, nil
}

// recurseInclude implements "#pragma asmproc recurse" \n "#include": the
// referenced file is preprocessed in full and its output inlined at the
// current point, wrapped in #line directives so outer line numbers are
// restored afterwards (spec §4.4). The inner file's lines are joined with
// real newlines, not spaces: a space-joined blob would merge a "//" line
// comment with whatever followed it on the same output line, and would
// throw off every #line-based diagnostic downstream of the include.
// resumeLine is the 1-based outer-file line number that follows the
// "#pragma asmproc recurse" / "#include" pair, i.e. where fromPath's own
// numbering resumes once the inlined content ends.
func (st *scanState) recurseInclude(fromPath, incPath string, resumeLine int) (string, error) {
	rc, err := st.pp.opener.Open(incPath)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	st.deps[incPath] = true

	lines, err := readLines(rc)
	if err != nil {
		return "", err
	}

	inner := &scanState{pp: st.pp, deps: st.deps, fns: st.fns}
	innerOut, err := inner.processLines(incPath, lines)
	if err != nil {
		return "", err
	}
	st.fns = inner.fns

	var b strings.Builder
	fmt.Fprintf(&b, "#line 1 %q\n", incPath)
	b.WriteString(strings.Join(innerOut, "\n"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "#line %d %q", resumeLine, fromPath)

	return b.String(), nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// encodeCutsceneFloats rewrites every "<float>f" literal on a line to the
// decimal value of its big-endian IEEE-754 single-precision bit pattern,
// the representation CutsceneData arrays expect (spec §4.4).
func encodeCutsceneFloats(line string) string {
	return reFloatLiteral.ReplaceAllStringFunc(line, func(lit string) string {
		numStr := strings.TrimSuffix(lit, "f")
		f, err := strconv.ParseFloat(numStr, 32)
		if err != nil {
			return lit
		}
		bits := math.Float32bits(float32(f))
		return fmt.Sprintf("%d", bits)
	})
}
