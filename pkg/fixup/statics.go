package fixup

import (
	"fmt"

	"github.com/Manu343726/asmembed/pkg/elf"
)

// promoteStatics implements spec §4.5 step 9: walk the `.mdebug` Symbolic
// HDRR's scope tree and synthesise a new ELF symbol for every file-static
// record found at nesting depth > 1. Binding follows `--convert-statics`:
// "local" keeps STB_LOCAL (the new symbol exists only so later tooling can
// see it was file-static), "global"/"global-with-filename" promote to
// STB_GLOBAL, the latter also prefixing the emitted name with the object's
// base filename.
func promoteStatics(target *elf.File, mode ConvertStatics, objBaseName string) error {
	sec, _ := target.Section(".mdebug")
	if sec == nil {
		return nil
	}
	md, err := elf.ParseMdebug(sec.Data, target.Endian)
	if err != nil {
		return nil
	}

	secIdx := map[string]uint16{}
	for i, s := range target.Sections {
		secIdx[s.Name] = uint16(i)
	}

	bind := uint8(elf.STBLOCAL)
	if mode == ConvertStaticsGlobal || mode == ConvertStaticsGlobalWithFilename {
		bind = elf.STBGLOBAL
	}

	for _, p := range md.FindStaticPromotions() {
		shndx, ok := secIdx[p.Section]
		if !ok {
			continue
		}
		name := p.EmittedName
		if mode == ConvertStaticsGlobalWithFilename {
			name = fmt.Sprintf("%s:%s", objBaseName, name)
		}
		typ := uint8(elf.STTOBJECT)
		if p.IsProc {
			typ = elf.STTFUNC
		}
		target.Symbols = append(target.Symbols, elf.NewSymbol(name, uint32(p.Value), 0, bind, typ, shndx))
	}

	return nil
}
