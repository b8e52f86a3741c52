package isa

import "github.com/pkg/errors"

func signExtend(val uint32, bits uint) int32 {
	shift := 32 - bits
	return int32(val<<shift) >> shift
}

// Decode turns an encoded word back into its symbolic instruction. Words
// with an unknown opcode produce an error; the simulator treats that as a
// corrupted program.
func Decode(w Word) (Instruction, error) {
	raw := uint32(w)
	opcode := Opcode(raw & 0x7F)
	rd := Reg((raw >> rdShift) & 0x1F)
	funct3 := (raw >> funct3Shift) & 0x7
	rs1 := Reg((raw >> rs1Shift) & 0x1F)
	rs2 := Reg((raw >> rs2Shift) & 0x1F)
	funct7 := (raw >> funct7Shift) & 0x7F

	switch opcode {
	case OpRegImm:
		op, err := aluFromFunct(funct3, funct7, true)
		if err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		return RegImm{
			Op:  op,
			Rd:  rd,
			Rs:  rs1,
			Imm: signExtend((raw>>rs2Shift)&0xFFF, 12),
		}, nil
	case OpRegReg:
		op, err := aluFromFunct(funct3, funct7, false)
		if err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		return RegReg{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2}, nil
	case OpLui:
		return Lui{Rd: rd, Imm: int32((raw >> funct3Shift) & 0xFFFFF)}, nil
	case OpBranch:
		imm := (raw >> (opcodeWidth + 1)) & 0xF
		imm |= ((raw >> opcodeWidth) & 0x1) << 10
		imm |= ((raw >> funct7Shift) & 0x3F) << 4
		imm |= ((raw >> (funct7Shift + 6)) & 0x1) << 11
		return Branch{
			Cond:   BranchCond(funct3),
			Rs1:    rs1,
			Rs2:    rs2,
			Offset: signExtend(imm, 12),
		}, nil
	case OpJump:
		imm := ((raw >> (opcodeWidth + regWidth)) & 0xFF) << 11
		imm |= ((raw >> (opcodeWidth + regWidth + 8)) & 0x1) << 10
		imm |= (raw >> (opcodeWidth + regWidth + 9)) & 0x3FF
		imm |= ((raw >> (opcodeWidth + regWidth + 19)) & 0x1) << 19
		return Jump{Offset: signExtend(imm, 20)}, nil
	case OpWaitImm:
		return WaitImm{Cycles: (raw >> funct3Shift) & 0xFFFFF}, nil
	case OpWaitReg:
		return WaitReg{Rs: rd}, nil
	case OpTrigWait:
		return TriggerWaitReg{Rs: rd}, nil
	case OpTrigger:
		return Trigger{
			Modules: [6]uint8{
				uint8((raw >> 16) & 0xF),
				uint8((raw >> 20) & 0xF),
				uint8((raw >> 22) & 0xF),
				uint8((raw >> 26) & 0x3),
				uint8((raw >> 28) & 0x3),
				uint8((raw >> 30) & 0x3),
			},
			Sync:  raw&(1<<14) != 0,
			Reset: raw&(1<<12) != 0,
		}, nil
	case OpCellSync:
		return CellSync{Mask: uint16(raw >> 16)}, nil
	case OpLoad:
		return Load{
			Rd:     rd,
			Base:   rs1,
			Offset: signExtend((raw>>rs2Shift)&0xFFF, 12),
		}, nil
	case OpStore:
		imm := (raw >> rdShift) & 0x1F
		imm |= ((raw >> funct7Shift) & 0x7F) << 5
		return Store{
			Src:    rs2,
			Base:   rs1,
			Offset: signExtend(imm, 12),
		}, nil
	case OpSynch:
		if funct3 == 0b010 {
			return AwaitQubitState{
				Rd:   rd,
				Cell: uint16((raw >> rs2Shift) & 0xFFF),
			}, nil
		}
		return End{}, nil
	case OpRegSend:
		return RegSend{Rs: rs1, DestCell: uint16(rd)}, nil
	case OpRegReceive:
		imm := ((raw >> funct3Shift) & 0xFFFFF) << 12
		return RegReceive{Rd: rd, SenderCell: uint16((imm >> 12) & 0xF)}, nil
	}

	return nil, errors.Errorf("decode: unknown opcode %#b", uint32(opcode))
}

func aluFromFunct(funct3, funct7 uint32, immediate bool) (AluOp, error) {
	switch funct3 {
	case 0b000:
		if immediate {
			return AluAdd, nil
		}
		switch funct7 {
		case 0b0100000:
			return AluSub, nil
		case 0b0000001:
			return AluMul, nil
		default:
			return AluAdd, nil
		}
	case 0b001:
		return AluShiftLeft, nil
	case 0b100:
		return AluXor, nil
	case 0b101:
		if funct7 == 0b0100000 {
			return AluShiftRightArith, nil
		}
		return AluShiftRightLogical, nil
	case 0b110:
		return AluOr, nil
	case 0b111:
		return AluAnd, nil
	}
	return AluAdd, errors.Errorf("unknown alu funct3 %#b", funct3)
}
