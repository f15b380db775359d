package x86

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoText is returned when a binary has no .text section.
var ErrNoText = errors.New("x86: no .text section")

// Text is the executable code of a binary.
type Text struct {
	Code []byte // section contents
	Addr uint64 // virtual address of the first byte
	Bits int    // decoding mode, 32 or 64
}

// ReadText reads the .text section of an ELF file.
func ReadText(r io.ReaderAt) (*Text, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch f.Machine {
	case elf.EM_386, elf.EM_X86_64:
	default:
		return nil, fmt.Errorf("machine %s: %w", f.Machine, ErrUnsupportedInstruction)
	}

	section := f.Section(".text")
	if section == nil {
		return nil, ErrNoText
	}
	code, err := section.Data()
	if err != nil {
		return nil, err
	}

	bits := 32
	if f.Class == elf.ELFCLASS64 {
		bits = 64
	}
	return &Text{Code: code, Addr: section.Addr, Bits: bits}, nil
}

// LoadText reads the .text section of the ELF file at path.
func LoadText(path string) (*Text, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadText(f)
}
