package elf

import (
	"bytes"
	"fmt"
)

// Write serialises the File back into a complete ELF32 image: header,
// every section's bytes, freshly rebuilt .symtab/.strtab/.shstrtab, and the
// section header table. It is the inverse of Parse and is used both for
// the "round-trip" testable property (spec §8) and for writing the spliced
// object back to disk at the end of fixup (spec §4.5 step 14).
func (f *File) Write() ([]byte, error) {
	endian := f.Endian

	// Rebuild .strtab (symbol names) and .shstrtab (section names) fresh,
	// since section/symbol sets may have been mutated since Parse.
	strtab := []byte{0}
	strOff := make([]uint32, len(f.Symbols))
	for i, sym := range f.Symbols {
		if sym.Name == "" {
			strOff[i] = 0
			continue
		}
		strOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(sym.Name)...)
		strtab = append(strtab, 0)
	}
	if f.strtabIdx >= 0 {
		f.Sections[f.strtabIdx].Data = strtab
	}

	shstrtab := []byte{0}
	shNameOff := make([]uint32, len(f.Sections))
	for i, s := range f.Sections {
		shNameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, []byte(s.Name)...)
		shstrtab = append(shstrtab, 0)
	}
	if f.shstrtabIdx >= 0 && f.shstrtabIdx < len(f.Sections) {
		f.Sections[f.shstrtabIdx].Data = shstrtab
	}

	// Rebuild .symtab bytes from f.Symbols.
	if f.symtabIdx >= 0 {
		buf := make([]byte, len(f.Symbols)*symSize)
		for i, sym := range f.Symbols {
			e := buf[i*symSize : (i+1)*symSize]
			endian.PutUint32(e[0:4], strOff[i])
			endian.PutUint32(e[4:8], sym.Value)
			endian.PutUint32(e[8:12], sym.Size)
			e[12] = sym.Info
			e[13] = sym.Other
			endian.PutUint16(e[14:16], sym.Shndx)
		}
		f.Sections[f.symtabIdx].Data = buf
	}

	// Rebuild every relocation section's bytes from f.Relocs.
	for idx, list := range f.Relocs {
		secIdx := relocSectionFor(f, idx)
		if secIdx < 0 {
			continue
		}
		isRela := f.Sections[secIdx].Type == SHTRELA
		entSize := relSize
		if isRela {
			entSize = relaSize
		}
		buf := make([]byte, len(list)*entSize)
		for i, r := range list {
			e := buf[i*entSize : (i+1)*entSize]
			endian.PutUint32(e[0:4], r.Offset)
			endian.PutUint32(e[4:8], r.Symbol<<8|uint32(r.Type))
			if isRela {
				endian.PutUint32(e[8:12], uint32(r.Addend))
			}
		}
		f.Sections[secIdx].Data = buf
	}

	// Lay out: ELF header, then each section's raw bytes in order
	// (SHT_NOBITS sections occupy no file space), then the section header
	// table at the end.
	var body bytes.Buffer
	offsets := make([]uint32, len(f.Sections))
	for i, s := range f.Sections {
		if s.Type == SHTNOBITS || s.Type == SHTNULL {
			offsets[i] = uint32(ehdrSize + body.Len())
			continue
		}
		align := s.AddrAlign
		if align > 1 {
			for (ehdrSize+body.Len())%int(align) != 0 {
				body.WriteByte(0)
			}
		}
		offsets[i] = uint32(ehdrSize + body.Len())
		body.Write(s.Data)
	}

	shOff := uint32(ehdrSize) + uint32(body.Len())

	var out bytes.Buffer
	out.Write([]byte{0x7f, 'E', 'L', 'F'})
	out.WriteByte(ELFCLASS32)
	if endian == LittleEndian {
		out.WriteByte(ELFDATA2LSB)
	} else {
		out.WriteByte(ELFDATA2MSB)
	}
	out.WriteByte(1) // EI_VERSION
	out.Write(make([]byte, 9))

	hdr := make([]byte, ehdrSize-16)
	endian.PutUint16(hdr[0:2], f.Header.Type)
	endian.PutUint16(hdr[2:4], f.Header.Machine)
	endian.PutUint32(hdr[4:8], 1)
	endian.PutUint32(hdr[8:12], f.Header.Entry)
	endian.PutUint32(hdr[12:16], f.Header.PhOff)
	endian.PutUint32(hdr[16:20], shOff)
	endian.PutUint32(hdr[20:24], f.Header.Flags)
	endian.PutUint16(hdr[24:26], ehdrSize)
	endian.PutUint16(hdr[26:28], f.Header.PhEntSize)
	endian.PutUint16(hdr[28:30], f.Header.PhNum)
	endian.PutUint16(hdr[30:32], shdrSize)
	endian.PutUint16(hdr[32:34], uint16(len(f.Sections)))
	endian.PutUint16(hdr[34:36], uint16(f.shstrtabIdx))
	out.Write(hdr)

	out.Write(body.Bytes())

	for i, s := range f.Sections {
		sh := make([]byte, shdrSize)
		endian.PutUint32(sh[0:4], shNameOff[i])
		endian.PutUint32(sh[4:8], s.Type)
		endian.PutUint32(sh[8:12], s.Flags)
		endian.PutUint32(sh[12:16], s.Addr)
		endian.PutUint32(sh[16:20], offsets[i])
		size := uint32(len(s.Data))
		endian.PutUint32(sh[20:24], size)
		endian.PutUint32(sh[24:28], s.Link)
		endian.PutUint32(sh[28:32], s.Info)
		endian.PutUint32(sh[32:36], s.AddrAlign)
		endian.PutUint32(sh[36:40], s.EntSize)
		out.Write(sh)
	}

	return out.Bytes(), nil
}

func relocSectionFor(f *File, targetIdx int) int {
	for i, s := range f.Sections {
		if (s.Type == SHTREL || s.Type == SHTRELA) && int(s.Info) == targetIdx {
			return i
		}
	}
	return -1
}

// NewRelocSection creates and appends a missing relocation section for
// target section targetIdx, named ".rel"/".rela" + the target's name, with
// the canonical header values spec §4.5 step 12 requires.
func (f *File) NewRelocSection(targetIdx int, rela bool) int {
	prefix := ".rel"
	typ := uint32(SHTREL)
	entSize := uint32(relSize)
	if rela {
		prefix = ".rela"
		typ = SHTRELA
		entSize = relaSize
	}
	name := fmt.Sprintf("%s%s", prefix, f.Sections[targetIdx].Name)
	s := Section{
		Name:    name,
		Type:    typ,
		Link:    uint32(f.symtabIdx),
		Info:    uint32(targetIdx),
		EntSize: entSize,
		AddrAlign: 4,
	}
	return f.AddSection(s)
}
