package compiler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

// Program header constants. The binary layout is little-endian throughout:
// magic, version, cell count, then per cell its start address and word
// count, then the concatenated instruction words.
const (
	programMagic   uint32 = 0x50436951 // "QiCP"
	programVersion uint32 = 1
)

// Recording is one resolved acquisition window of a cell program, in the
// order the recordings fire.
type Recording struct {
	Name   string
	Cycles uint32
}

// CellProgram is the compiled artifact of one cell: its instruction words,
// waveform tables and recording windows.
type CellProgram struct {
	Cell int
	// Start is the cell's first instruction index within the serialized
	// program stream.
	Start uint32
	Words []isa.Word

	Manipulation []*Waveform
	Readout      []*Waveform
	Recordings   []Recording
}

// Assembly renders the cell's instruction listing, one mnemonic per line,
// by decoding the emitted words.
func (cp *CellProgram) Assembly() []string {
	lines := make([]string, 0, len(cp.Words))
	for i, w := range cp.Words {
		inst, err := isa.Decode(w)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%4d: .word %#08x", i, uint32(w)))
			continue
		}
		lines = append(lines, fmt.Sprintf("%4d: %s", i, inst.String()))
	}
	return lines
}

// Program is the complete compiled artifact of a job: one CellProgram per
// cell plus the precision warnings collected during lowering.
type Program struct {
	Cells    []*CellProgram
	Warnings []qicode.PrecisionWarning
}

// Binary serializes the program. Identical compiles of identical jobs
// produce byte-identical output.
func (p *Program) Binary() []byte {
	var buf bytes.Buffer
	write := func(v uint32) {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	write(programMagic)
	write(programVersion)
	write(uint32(len(p.Cells)))
	for _, cp := range p.Cells {
		write(cp.Start)
		write(uint32(len(cp.Words)))
	}
	for _, cp := range p.Cells {
		for _, w := range cp.Words {
			write(uint32(w))
		}
	}
	return buf.Bytes()
}

// Hash returns the program's identity: the base58-encoded sha3-256 digest
// of its binary serialization.
func (p *Program) Hash() string {
	sum := sha3.Sum256(p.Binary())
	return base58.Encode(sum[:])
}

// Listing renders the full multi-cell assembly listing.
func (p *Program) Listing() string {
	var sb strings.Builder
	for _, cp := range p.Cells {
		fmt.Fprintf(&sb, "cell %d @ %d:\n", cp.Cell, cp.Start)
		for _, line := range cp.Assembly() {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// ParseBinary decodes a serialized program back into per-cell word lists.
// Used by the loader and the simulator.
func ParseBinary(data []byte) (*Program, error) {
	r := bytes.NewReader(data)
	read := func() (uint32, error) {
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}
	magic, err := read()
	if err != nil {
		return nil, errors.Wrap(err, "parse program header")
	}
	if magic != programMagic {
		return nil, errors.Errorf("bad program magic %#08x", magic)
	}
	version, err := read()
	if err != nil {
		return nil, errors.Wrap(err, "parse program header")
	}
	if version != programVersion {
		return nil, errors.Errorf("unsupported program version %d", version)
	}
	cellCount, err := read()
	if err != nil {
		return nil, errors.Wrap(err, "parse program header")
	}
	if cellCount > 1<<12 {
		return nil, errors.Errorf("implausible cell count %d", cellCount)
	}

	p := &Program{}
	lengths := make([]uint32, cellCount)
	for i := uint32(0); i < cellCount; i++ {
		start, err := read()
		if err != nil {
			return nil, errors.Wrap(err, "parse cell header")
		}
		length, err := read()
		if err != nil {
			return nil, errors.Wrap(err, "parse cell header")
		}
		lengths[i] = length
		p.Cells = append(p.Cells, &CellProgram{Cell: int(i), Start: start})
	}
	for i, cp := range p.Cells {
		cp.Words = make([]isa.Word, lengths[i])
		for j := range cp.Words {
			w, err := read()
			if err != nil {
				return nil, errors.Wrapf(err, "parse cell %d words", i)
			}
			cp.Words[j] = isa.Word(w)
		}
	}
	return p, nil
}

// emit freezes the lowered instruction streams into a Program: offsets are
// resolved, words encoded, waveform tables and recording windows attached.
func (l *lowering) emit() (*Program, error) {
	p := &Program{}
	start := uint32(0)
	for i, s := range l.seqs {
		cp := &CellProgram{
			Cell:         i,
			Start:        start,
			Manipulation: s.manipulation.Waveforms(),
			Readout:      s.readout.Waveforms(),
		}
		for _, inst := range s.code {
			if inst == nil {
				return nil, &qicode.EmitterError{
					Node: fmt.Sprintf("cell %d unresolved instruction", i),
				}
			}
			cp.Words = append(cp.Words, inst.Encode())
		}
		for _, spec := range l.job.Recordings(l.job.JobCells()[i]) {
			cycles, err := l.b.cycles(spec.Duration, i, "recording window")
			if err != nil {
				return nil, err
			}
			cp.Recordings = append(cp.Recordings, Recording{
				Name:   spec.Name,
				Cycles: cycles,
			})
		}
		p.Cells = append(p.Cells, cp)
		start += uint32(len(cp.Words))
	}
	if l.b.warnings != nil {
		p.Warnings = append(p.Warnings, *l.b.warnings...)
	}
	return p, nil
}
