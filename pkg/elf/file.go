package elf

import (
	"bytes"
	"fmt"

	"golang.org/x/exp/slices"
)

const (
	ehdrSize = 52
	shdrSize = 40
	symSize  = 16
	relSize  = 8
	relaSize = 12
)

// Header mirrors the fixed ELF32 file header (Elfxx_Ehdr).
type Header struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	PhOff     uint32
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShStrNdx  uint16
}

// Section is one section header plus its raw byte contents (nil for
// SHT_NOBITS). Index is this section's position in the section header
// table, used as the stable identity relocations and sh_link/sh_info refer
// to while the table is being mutated.
type Section struct {
	Name      string
	Type      uint32
	Flags     uint32
	Addr      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntSize   uint32
	Data      []byte

	Index int
}

// Symbol is one Elf32_Sym entry, resolved against the owning File's string
// table so callers work with Name directly.
type Symbol struct {
	Name  string
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

func (s Symbol) Bind() uint8 { return stBind(s.Info) }
func (s Symbol) Type() uint8 { return stType(s.Info) }

func NewSymbol(name string, value, size uint32, bind, typ uint8, shndx uint16) Symbol {
	return Symbol{Name: name, Value: value, Size: size, Info: stInfo(bind, typ), Other: 0, Shndx: shndx}
}

// Reloc is one relocation entry, normalised to the RELA shape (Addend is
// zero and unused for sections whose sh_type is SHT_REL).
type Reloc struct {
	Offset  uint32
	Symbol  uint32 // index into the File's Symbols slice
	Type    uint8
	Addend  int32
	IsRela  bool
}

// File is a fully decoded ELF32 relocatable object: header, sections (with
// their raw bytes), the merged symbol table and, per section, its
// relocations (if any). Every section, ".symtab"/".strtab"/".shstrtab" and
// the relocation sections included, stays in Sections with its raw bytes;
// the symbol table and the relocations are also decoded into the typed
// fields below, which is how fixup addresses them (spec §4.5).
type File struct {
	Endian Endian
	Header Header

	Sections []Section
	Symbols  []Symbol

	// Relocs maps a section index (target of the relocation, i.e. the
	// section the relocated bytes live in) to its relocation list.
	Relocs map[int][]Reloc

	symtabIdx   int
	strtabIdx   int
	shstrtabIdx int
}

// Parse decodes a complete ELF32 relocatable object from raw bytes,
// auto-detecting endianness from e_ident.
func Parse(raw []byte) (*File, error) {
	if len(raw) < 16 {
		return nil, fmt.Errorf("elf: file too short")
	}
	if !bytes.Equal(raw[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, fmt.Errorf("elf: bad magic")
	}
	if raw[4] != ELFCLASS32 {
		return nil, fmt.Errorf("elf: only ELFCLASS32 is supported")
	}
	endian, err := DetectEndian(raw[5])
	if err != nil {
		return nil, err
	}
	if len(raw) < ehdrSize {
		return nil, fmt.Errorf("elf: file too short for header")
	}

	f := &File{Endian: endian, Relocs: map[int][]Reloc{}}

	h := raw[16:ehdrSize]
	f.Header = Header{
		Type:      endian.Uint16(h[0:2]),
		Machine:   endian.Uint16(h[2:4]),
		Version:   endian.Uint32(h[4:8]),
		Entry:     endian.Uint32(h[8:12]),
		PhOff:     endian.Uint32(h[12:16]),
		Flags:     endian.Uint32(h[20:24]),
		EhSize:    endian.Uint16(h[24:26]),
		PhEntSize: endian.Uint16(h[26:28]),
		PhNum:     endian.Uint16(h[28:30]),
		ShStrNdx:  endian.Uint16(h[34:36]),
	}
	shOff := endian.Uint32(h[16:20])
	shEntSize := endian.Uint16(h[30:32])
	shNum := endian.Uint16(h[32:34])

	if shEntSize != 0 && shEntSize != shdrSize {
		return nil, fmt.Errorf("elf: unexpected sh_entsize %d", shEntSize)
	}

	type rawSh struct {
		nameOff, typ, flags, addr, offset, size, link, info, addralign, entsize uint32
	}
	raws := make([]rawSh, shNum)
	for i := 0; i < int(shNum); i++ {
		base := int(shOff) + i*shdrSize
		if base+shdrSize > len(raw) {
			return nil, fmt.Errorf("elf: truncated section header %d", i)
		}
		sh := raw[base : base+shdrSize]
		raws[i] = rawSh{
			nameOff:   endian.Uint32(sh[0:4]),
			typ:       endian.Uint32(sh[4:8]),
			flags:     endian.Uint32(sh[8:12]),
			addr:      endian.Uint32(sh[12:16]),
			offset:    endian.Uint32(sh[16:20]),
			size:      endian.Uint32(sh[20:24]),
			link:      endian.Uint32(sh[24:28]),
			info:      endian.Uint32(sh[28:32]),
			addralign: endian.Uint32(sh[32:36]),
			entsize:   endian.Uint32(sh[36:40]),
		}
	}

	var shstrtab []byte
	if int(f.Header.ShStrNdx) < len(raws) {
		r := raws[f.Header.ShStrNdx]
		shstrtab = sliceAt(raw, r.offset, r.size)
	}

	f.Sections = make([]Section, shNum)
	for i, r := range raws {
		var data []byte
		if r.typ != SHTNOBITS {
			data = sliceAt(raw, r.offset, r.size)
		}
		f.Sections[i] = Section{
			Name:      cstrAt(shstrtab, r.nameOff),
			Type:      r.typ,
			Flags:     r.flags,
			Addr:      r.addr,
			Link:      r.link,
			Info:      r.info,
			AddrAlign: r.addralign,
			EntSize:   r.entsize,
			Data:      data,
			Index:     i,
		}
	}

	f.symtabIdx, f.strtabIdx, f.shstrtabIdx = -1, -1, int(f.Header.ShStrNdx)
	for i, s := range f.Sections {
		switch {
		case s.Type == SHTSYMTAB:
			f.symtabIdx = i
		case s.Name == ".strtab":
			f.strtabIdx = i
		}
	}

	if f.symtabIdx >= 0 {
		symtab := f.Sections[f.symtabIdx]
		var strtab []byte
		if f.strtabIdx >= 0 {
			strtab = f.Sections[f.strtabIdx].Data
		}
		n := len(symtab.Data) / symSize
		f.Symbols = make([]Symbol, n)
		for i := 0; i < n; i++ {
			e := symtab.Data[i*symSize : (i+1)*symSize]
			nameOff := endian.Uint32(e[0:4])
			f.Symbols[i] = Symbol{
				Name:  cstrAt(strtab, nameOff),
				Value: endian.Uint32(e[4:8]),
				Size:  endian.Uint32(e[8:12]),
				Info:  e[12],
				Other: e[13],
				Shndx: endian.Uint16(e[14:16]),
			}
		}
	}

	for i, r := range raws {
		if r.typ != SHTREL && r.typ != SHTRELA {
			continue
		}
		target := int(r.info)
		data := f.Sections[i].Data
		entSize := relSize
		isRela := r.typ == SHTRELA
		if isRela {
			entSize = relaSize
		}
		n := len(data) / entSize
		list := make([]Reloc, n)
		for j := 0; j < n; j++ {
			e := data[j*entSize : (j+1)*entSize]
			off := endian.Uint32(e[0:4])
			info := endian.Uint32(e[4:8])
			rec := Reloc{
				Offset: off,
				Symbol: info >> 8,
				Type:   uint8(info & 0xff),
				IsRela: isRela,
			}
			if isRela {
				rec.Addend = int32(endian.Uint32(e[8:12]))
			}
			list[j] = rec
		}
		f.Relocs[target] = list
	}

	return f, nil
}

func sliceAt(raw []byte, off, size uint32) []byte {
	if off == 0 && size == 0 {
		return nil
	}
	end := off + size
	if end > uint32(len(raw)) {
		end = uint32(len(raw))
	}
	out := make([]byte, end-off)
	copy(out, raw[off:end])
	return out
}

func cstrAt(tab []byte, off uint32) string {
	if tab == nil || int(off) >= len(tab) {
		return ""
	}
	end := int(off)
	for end < len(tab) && tab[end] != 0 {
		end++
	}
	return string(tab[off:end])
}

// Section looks up a section by exact name.
func (f *File) Section(name string) (*Section, int) {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i], i
		}
	}
	return nil, -1
}

// SectionsByType returns the indices of every section with the given sh_type.
func (f *File) SectionsByType(typ uint32) []int {
	var out []int
	for i, s := range f.Sections {
		if s.Type == typ {
			out = append(out, i)
		}
	}
	return out
}

// SymbolIndex returns the index of the first symbol named name, or -1 if
// none exists. Used by the fixup package instead of a hand-rolled linear
// scan at every call site.
func (f *File) SymbolIndex(name string) int {
	return slices.IndexFunc(f.Symbols, func(s Symbol) bool { return s.Name == name })
}

// DropSections removes every section whose name is in names (used for
// --drop-mdebug-gptab), along with any relocation section that targeted
// one of them, and fixes up every remaining sh_link/sh_info and Relocs key
// that referred to a section past the removed ones.
func (f *File) DropSections(names map[string]bool) {
	keep := make([]bool, len(f.Sections))
	remap := make([]int, len(f.Sections))
	newIdx := 0
	for i, s := range f.Sections {
		targetsDropped := (s.Type == SHTREL || s.Type == SHTRELA) && int(s.Info) < len(f.Sections) && names[f.Sections[s.Info].Name]
		if names[s.Name] || targetsDropped {
			keep[i] = false
			remap[i] = -1
			continue
		}
		keep[i] = true
		remap[i] = newIdx
		newIdx++
	}

	newSections := make([]Section, 0, newIdx)
	newRelocs := map[int][]Reloc{}
	for i, s := range f.Sections {
		if !keep[i] {
			continue
		}
		if remap[int(s.Link)] >= 0 {
			s.Link = uint32(remap[int(s.Link)])
		}
		if (s.Type == SHTREL || s.Type == SHTRELA) && int(s.Info) < len(remap) && remap[int(s.Info)] >= 0 {
			s.Info = uint32(remap[int(s.Info)])
		}
		s.Index = len(newSections)
		newSections = append(newSections, s)
		if rl, ok := f.Relocs[i]; ok {
			newRelocs[remap[i]] = rl
		}
	}

	for i := range f.Symbols {
		if int(f.Symbols[i].Shndx) < len(remap) && remap[int(f.Symbols[i].Shndx)] >= 0 {
			f.Symbols[i].Shndx = uint16(remap[int(f.Symbols[i].Shndx)])
		}
	}

	f.Sections = newSections
	f.Relocs = newRelocs
	if f.symtabIdx >= 0 {
		f.symtabIdx = remap[f.symtabIdx]
	}
	if f.strtabIdx >= 0 {
		f.strtabIdx = remap[f.strtabIdx]
	}
	f.shstrtabIdx = remap[f.shstrtabIdx]
	f.Header.ShStrNdx = uint16(f.shstrtabIdx)
}

// AddSection appends a new section (used when creating a missing
// relocation section during merge, spec §4.5 step 12) and returns its index.
func (f *File) AddSection(s Section) int {
	s.Index = len(f.Sections)
	f.Sections = append(f.Sections, s)
	return s.Index
}

// SymtabIndex returns the section index of .symtab, or -1 if absent.
func (f *File) SymtabIndex() int { return f.symtabIdx }

// StrtabIndex returns the section index of .strtab, or -1 if absent.
func (f *File) StrtabIndex() int { return f.strtabIdx }
