package striplib

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"strings"
)

// IsELF reports whether the file at p is an ELF executable or shared library, judged by its header
func IsELF(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var ident [elf.EI_NIDENT + 2]byte
	if _, err := io.ReadFull(f, ident[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return false, nil
	}
	var order binary.ByteOrder
	switch elf.Data(ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return false, nil
	}
	switch elf.Type(order.Uint16(ident[elf.EI_NIDENT:])) {
	case elf.ET_EXEC, elf.ET_DYN:
		return true, nil
	}
	return false, nil
}

// Interpreter returns the program named on a `#!` first line and its arguments, or "" if there is none
func Interpreter(p string) (string, []string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	line, err := bufio.NewReader(io.LimitReader(f, 256)).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", nil, err
	}
	if !strings.HasPrefix(line, "#!") {
		return "", nil, nil
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, nil
	}
	return fields[0], fields[1:], nil
}
