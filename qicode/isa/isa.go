// Package isa defines the instruction set of the cell sequencer: a reduced
// RV32I-style register machine extended with trigger, wait and
// synchronization instructions. Branch and jump offsets address instruction
// indices, not bytes, so immediates are encoded without the usual
// multiple-of-two restriction.
package isa

import "fmt"

// Word is one encoded sequencer instruction.
type Word uint32

// Reg addresses one of the 32 sequencer registers. Register 0 is hardwired
// to zero.
type Reg uint8

const (
	// RegisterCount is the total register file size including r0.
	RegisterCount = 32
	// Zero is the hardwired zero register.
	Zero Reg = 0
)

// Opcode occupies the low 7 bits of every instruction word.
type Opcode uint32

const (
	OpJump       Opcode = 0b1101111
	OpBranch     Opcode = 0b1100011
	OpRegImm     Opcode = 0b0010011
	OpLui        Opcode = 0b0110111
	OpRegReg     Opcode = 0b0110011
	OpLoad       Opcode = 0b0000011
	OpStore      Opcode = 0b0100011
	OpSynch      Opcode = 0b0001000
	OpWaitImm    Opcode = 0b0000100
	OpWaitReg    Opcode = 0b0000110
	OpTrigWait   Opcode = 0b0001010
	OpTrigger    Opcode = 0b0000010
	OpCellSync   Opcode = 0b0001100
	OpRegSend    Opcode = 0b0001110
	OpRegReceive Opcode = 0b0011100
)

// AluOp selects the arithmetic or logical operation of register-immediate
// and register-register instructions.
type AluOp int

const (
	AluAdd AluOp = iota
	AluSub
	AluMul
	AluShiftLeft
	AluShiftRightLogical
	AluShiftRightArith
	AluXor
	AluOr
	AluAnd
)

var aluNames = map[AluOp]string{
	AluAdd:               "add",
	AluSub:               "sub",
	AluMul:               "mul",
	AluShiftLeft:         "sll",
	AluShiftRightLogical: "srl",
	AluShiftRightArith:   "sra",
	AluXor:               "xor",
	AluOr:                "or",
	AluAnd:               "and",
}

func (o AluOp) String() string {
	return aluNames[o]
}

// funct3/funct7 encodings shared between the immediate and register forms.
func (o AluOp) funct3() uint32 {
	switch o {
	case AluAdd, AluSub, AluMul:
		return 0b000
	case AluShiftLeft:
		return 0b001
	case AluXor:
		return 0b100
	case AluShiftRightLogical, AluShiftRightArith:
		return 0b101
	case AluOr:
		return 0b110
	case AluAnd:
		return 0b111
	}
	return 0
}

func (o AluOp) funct7() uint32 {
	switch o {
	case AluSub, AluShiftRightArith:
		return 0b0100000
	case AluMul:
		return 0b0000001
	}
	return 0
}

// BranchCond selects the comparison of a branch instruction. Greater-than
// and less-or-equal are synthesized by the compiler through operand swap.
type BranchCond uint32

const (
	BranchEq  BranchCond = 0b000
	BranchNe  BranchCond = 0b001
	BranchLt  BranchCond = 0b100
	BranchGe  BranchCond = 0b101
	BranchLtu BranchCond = 0b110
	BranchGeu BranchCond = 0b111
)

var branchNames = map[BranchCond]string{
	BranchEq:  "beq",
	BranchNe:  "bne",
	BranchLt:  "blt",
	BranchGe:  "bge",
	BranchLtu: "bltu",
	BranchGeu: "bgeu",
}

func (c BranchCond) String() string {
	return branchNames[c]
}

// Limits of the immediate fields.
const (
	// MinLowerImmediate and MaxLowerImmediate bound the signed 12-bit
	// immediate of I-type instructions.
	MinLowerImmediate = -(1 << 11)
	MaxLowerImmediate = (1 << 11) - 1
	// MaxWaitImmediate bounds the unsigned 20-bit wait duration.
	MaxWaitImmediate = (1 << 20) - 1
	// MaxUpperImmediate bounds the unsigned upper immediate of LUI.
	MaxUpperImmediate = (1 << 20) - 1
)

// FitsLowerImmediate reports whether val can be encoded as the signed
// 12-bit immediate of an I-type instruction.
func FitsLowerImmediate(val int64) bool {
	return val >= MinLowerImmediate && val <= MaxLowerImmediate
}

// FitsWaitImmediate reports whether a cycle count fits the unsigned 20-bit
// immediate of a wait instruction.
func FitsWaitImmediate(cycles int64) bool {
	return cycles >= 0 && cycles <= MaxWaitImmediate
}

// Instruction is one not-yet-encoded sequencer instruction. Instructions
// stay in this symbolic form until emission so that branch targets can be
// patched after a block's length is known.
type Instruction interface {
	// Encode produces the binary instruction word.
	Encode() Word
	// String renders the assembly mnemonic.
	String() string
}

const (
	opcodeWidth = 7
	regWidth    = 5
	funct3Width = 3

	rdShift     = opcodeWidth
	funct3Shift = opcodeWidth + regWidth
	rs1Shift    = opcodeWidth + regWidth + funct3Width
	rs2Shift    = opcodeWidth + 2*regWidth + funct3Width
	funct7Shift = opcodeWidth + 3*regWidth + funct3Width
)

// RegImm computes rd = rs1 <op> immediate. The shift amount of shift
// operations and the signed addend of ADDI both live in the low 12 bits.
type RegImm struct {
	Op  AluOp
	Rd  Reg
	Rs  Reg
	Imm int32
}

func (i RegImm) Encode() Word {
	w := uint32(OpRegImm)
	w |= uint32(i.Rd&0x1F) << rdShift
	w |= i.Op.funct3() << funct3Shift
	w |= uint32(i.Rs&0x1F) << rs1Shift
	w |= uint32(i.Imm&0xFFF) << rs2Shift
	if i.Op == AluShiftRightLogical || i.Op == AluShiftRightArith {
		w |= i.Op.funct7() << funct7Shift
	}
	return Word(w)
}

func (i RegImm) String() string {
	name := i.Op.String()
	if i.Op == AluAdd {
		name = "addi"
	} else if i.Op != AluShiftLeft &&
		i.Op != AluShiftRightLogical && i.Op != AluShiftRightArith {
		name += "i"
	}
	return fmt.Sprintf("%s r%d, r%d, %#x", name, i.Rd, i.Rs, uint32(i.Imm)&0xFFF)
}

// RegReg computes rd = rs1 <op> rs2.
type RegReg struct {
	Op  AluOp
	Rd  Reg
	Rs1 Reg
	Rs2 Reg
}

func (i RegReg) Encode() Word {
	w := uint32(OpRegReg)
	w |= uint32(i.Rd&0x1F) << rdShift
	w |= i.Op.funct3() << funct3Shift
	w |= uint32(i.Rs1&0x1F) << rs1Shift
	w |= uint32(i.Rs2&0x1F) << rs2Shift
	w |= i.Op.funct7() << funct7Shift
	return Word(w)
}

func (i RegReg) String() string {
	return fmt.Sprintf("%s r%d, r%d, r%d", i.Op, i.Rd, i.Rs1, i.Rs2)
}

// Lui loads the 20-bit immediate into the upper part of rd.
type Lui struct {
	Rd  Reg
	Imm int32
}

func (i Lui) Encode() Word {
	w := uint32(OpLui)
	w |= uint32(i.Rd&0x1F) << rdShift
	w |= uint32(i.Imm&0xFFFFF) << funct3Shift
	return Word(w)
}

func (i Lui) String() string {
	return fmt.Sprintf("lui r%d, %#x", i.Rd, uint32(i.Imm)&0xFFFFF)
}

// Branch jumps Offset instructions ahead (or back) when the comparison of
// rs1 and rs2 holds. The offset is a signed 12-bit instruction count
// scattered over the word the same way RV32I scatters its byte offsets.
type Branch struct {
	Cond   BranchCond
	Rs1    Reg
	Rs2    Reg
	Offset int32
}

func (i Branch) Encode() Word {
	imm := uint32(i.Offset)
	w := uint32(OpBranch)
	w |= ((imm & 0x400) >> 10) << opcodeWidth
	w |= (imm & 0xF) << (opcodeWidth + 1)
	w |= uint32(i.Cond&0x7) << funct3Shift
	w |= uint32(i.Rs1&0x1F) << rs1Shift
	w |= uint32(i.Rs2&0x1F) << rs2Shift
	w |= ((imm & 0x3F0) >> 4) << funct7Shift
	w |= ((imm & 0x800) >> 11) << (funct7Shift + 6)
	return Word(w)
}

func (i Branch) String() string {
	return fmt.Sprintf("%s r%d, r%d, %#x", i.Cond, i.Rs1, i.Rs2, i.Offset)
}

// Jump unconditionally moves Offset instructions ahead (or back).
type Jump struct {
	Offset int32
}

func (i Jump) Encode() Word {
	imm := uint32(i.Offset)
	w := uint32(OpJump)
	w |= ((imm & 0x7F800) >> 11) << (opcodeWidth + regWidth)
	w |= ((imm & 0x400) >> 10) << (opcodeWidth + regWidth + 8)
	w |= (imm & 0x3FF) << (opcodeWidth + regWidth + 9)
	w |= ((imm & 0x80000) >> 19) << (opcodeWidth + regWidth + 19)
	return Word(w)
}

func (i Jump) String() string {
	return fmt.Sprintf("j %#x", i.Offset)
}

// WaitImm stalls the sequencer for an immediate cycle count. The trigger
// issued by the preceding instruction keeps running during the wait.
type WaitImm struct {
	Cycles uint32
}

func (i WaitImm) Encode() Word {
	w := uint32(OpWaitImm)
	w |= (i.Cycles & 0xFFFFF) << funct3Shift
	return Word(w)
}

func (i WaitImm) String() string {
	return fmt.Sprintf("wti %#x", i.Cycles&0xFFFFF)
}

// WaitReg stalls the sequencer for the cycle count held in Rs.
type WaitReg struct {
	Rs Reg
}

func (i WaitReg) Encode() Word {
	w := uint32(OpWaitReg)
	w |= uint32(i.Rs&0x1F) << rdShift
	return Word(w)
}

func (i WaitReg) String() string {
	return fmt.Sprintf("wtr r%d", i.Rs)
}

// TriggerWaitReg stalls for the cycle count in Rs while keeping the pulse
// started by the directly preceding trigger active. Used for
// variable-length pulses.
type TriggerWaitReg struct {
	Rs Reg
}

func (i TriggerWaitReg) Encode() Word {
	w := uint32(OpTrigWait)
	w |= uint32(i.Rs&0x1F) << rdShift
	return Word(w)
}

func (i TriggerWaitReg) String() string {
	return fmt.Sprintf("twr r%d", i.Rs)
}

// Trigger module slots. Slots 0 to 2 carry 4-bit pulse indices for the
// readout, recording and manipulation units; slots 3 to 5 carry 2-bit
// values for digital outputs and couplers.
const (
	ModuleReadout      = 0
	ModuleRecording    = 1
	ModuleManipulation = 2
)

// Trigger starts up to six hardware modules in one cycle. A module value of
// zero leaves that module untouched.
type Trigger struct {
	Modules [6]uint8
	Sync    bool
	Reset   bool
}

func (i Trigger) Encode() Word {
	w := uint32(OpTrigger)
	if i.Reset {
		w |= 1 << 12
	}
	if i.Sync {
		w |= 1 << 14
	}
	w |= uint32(i.Modules[0]&0xF) << 16
	w |= uint32(i.Modules[1]&0xF) << 20
	w |= uint32(i.Modules[2]&0xF) << 22
	w |= uint32(i.Modules[3]&0x3) << 26
	w |= uint32(i.Modules[4]&0x3) << 28
	w |= uint32(i.Modules[5]&0x3) << 30
	return Word(w)
}

func (i Trigger) String() string {
	return fmt.Sprintf(
		"tr %d, %d, %d, %d, %d, %d",
		i.Modules[0], i.Modules[1], i.Modules[2],
		i.Modules[3], i.Modules[4], i.Modules[5],
	)
}

// CellSync is the runtime rendezvous barrier: the sequencer stalls until
// every cell named in the mask has reached its own CellSync.
type CellSync struct {
	// Mask holds one bit per physical cell index.
	Mask uint16
}

func (i CellSync) Encode() Word {
	w := uint32(OpCellSync)
	w |= uint32(i.Mask) << 16
	return Word(w)
}

func (i CellSync) String() string {
	return fmt.Sprintf("csync %#x", i.Mask)
}

// Load reads a 32-bit word from memory at base+offset into Rd.
type Load struct {
	Rd     Reg
	Base   Reg
	Offset int32
}

func (i Load) Encode() Word {
	w := uint32(OpLoad)
	w |= uint32(i.Rd&0x1F) << rdShift
	w |= 0b010 << funct3Shift
	w |= uint32(i.Base&0x1F) << rs1Shift
	w |= uint32(i.Offset&0xFFF) << rs2Shift
	return Word(w)
}

func (i Load) String() string {
	return fmt.Sprintf("lw r%d, %d(r%d)", i.Rd, i.Offset, i.Base)
}

// Store writes the 32-bit word in Src to memory at base+offset.
type Store struct {
	Src    Reg
	Base   Reg
	Offset int32
}

func (i Store) Encode() Word {
	imm := uint32(i.Offset)
	w := uint32(OpStore)
	w |= (imm & 0x1F) << rdShift
	w |= 0b010 << funct3Shift
	w |= uint32(i.Base&0x1F) << rs1Shift
	w |= uint32(i.Src&0x1F) << rs2Shift
	w |= ((imm & 0xFE0) >> 5) << funct7Shift
	return Word(w)
}

func (i Store) String() string {
	return fmt.Sprintf("sw r%d, %d(r%d)", i.Src, i.Offset, i.Base)
}

// End terminates the program and reports the sequencer idle.
type End struct{}

func (End) Encode() Word {
	return Word(uint32(OpSynch))
}

func (End) String() string {
	return "end"
}

// AwaitQubitState stalls until the recording module of the given cell has
// determined the qubit state, then writes it to Rd.
type AwaitQubitState struct {
	Cell uint16
	Rd   Reg
}

func (i AwaitQubitState) Encode() Word {
	w := uint32(OpSynch)
	w |= uint32(i.Rd&0x1F) << rdShift
	w |= 0b010 << funct3Shift
	w |= uint32(i.Cell&0xFFF) << rs2Shift
	return Word(w)
}

func (i AwaitQubitState) String() string {
	return fmt.Sprintf("wtq r%d, %d", i.Rd, i.Cell)
}

// RegSend forwards the value of Rs to the given destination cell's
// receive port.
type RegSend struct {
	Rs       Reg
	DestCell uint16
}

func (i RegSend) Encode() Word {
	w := uint32(OpRegSend)
	w |= uint32(i.DestCell&0x1F) << rdShift
	w |= uint32(i.Rs&0x1F) << rs1Shift
	return Word(w)
}

func (i RegSend) String() string {
	return fmt.Sprintf("snd r%d, %d", i.Rs, i.DestCell)
}

// RegReceive stalls until the sender cell forwards a value, storing it in
// Rd.
type RegReceive struct {
	Rd         Reg
	SenderCell uint16
}

func (i RegReceive) Encode() Word {
	imm := (uint32(1) << (16 + i.SenderCell)) | uint32(i.SenderCell)<<12
	w := uint32(OpRegReceive)
	w |= uint32(i.Rd&0x1F) << rdShift
	w |= ((imm & 0xFFFFF000) >> 12) << funct3Shift
	return Word(w)
}

func (i RegReceive) String() string {
	return fmt.Sprintf("rcv r%d, %d", i.Rd, i.SenderCell)
}
