package isa_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantuminterface/qiclib/qicode/isa"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		inst isa.Instruction
	}{
		{"addi", isa.RegImm{Op: isa.AluAdd, Rd: 3, Rs: 4, Imm: -17}},
		{"srai", isa.RegImm{Op: isa.AluShiftRightArith, Rd: 1, Rs: 1, Imm: 4}},
		{"lui", isa.Lui{Rd: 30, Imm: 0xABCDE}},
		{"add", isa.RegReg{Op: isa.AluAdd, Rd: 5, Rs1: 6, Rs2: 7}},
		{"sub", isa.RegReg{Op: isa.AluSub, Rd: 5, Rs1: 6, Rs2: 7}},
		{"mul", isa.RegReg{Op: isa.AluMul, Rd: 5, Rs1: 6, Rs2: 7}},
		{"branch forward", isa.Branch{
			Cond: isa.BranchGe, Rs1: 2, Rs2: 3, Offset: 12,
		}},
		{"branch backward", isa.Branch{
			Cond: isa.BranchNe, Rs1: 30, Rs2: 0, Offset: -9,
		}},
		{"jump backward", isa.Jump{Offset: -250}},
		{"jump forward", isa.Jump{Offset: 1023}},
		{"wait imm", isa.WaitImm{Cycles: 0xFFFFF}},
		{"wait reg", isa.WaitReg{Rs: 29}},
		{"trigger wait reg", isa.TriggerWaitReg{Rs: 28}},
		{"trigger", isa.Trigger{
			Modules: [6]uint8{3, 1, 9, 0, 2, 1}, Sync: true,
		}},
		{"trigger reset", isa.Trigger{Reset: true}},
		{"cell sync", isa.CellSync{Mask: 0b1011}},
		{"load", isa.Load{Rd: 8, Base: 9, Offset: 40}},
		{"store", isa.Store{Src: 8, Base: 9, Offset: -4}},
		{"end", isa.End{}},
		{"await qubit state", isa.AwaitQubitState{Cell: 2, Rd: 11}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := isa.Decode(tc.inst.Encode())
			require.NoError(t, err)
			assert.Equal(t, tc.inst, decoded)
		})
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	_, err := isa.Decode(isa.Word(0b1111111))
	assert.Error(t, err)
}

func TestBranchOffsetIsInstructionIndexed(t *testing.T) {
	// Odd offsets must survive encoding: sequencer addresses count
	// instructions, not byte pairs.
	b := isa.Branch{Cond: isa.BranchEq, Rs1: 1, Rs2: 2, Offset: 3}
	decoded, err := isa.Decode(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, int32(3), decoded.(isa.Branch).Offset)
}

func TestAssemblyRendering(t *testing.T) {
	cases := []struct {
		inst isa.Instruction
		want string
	}{
		{isa.RegImm{Op: isa.AluAdd, Rd: 2, Rs: 0, Imm: 5}, "addi r2, r0, 0x5"},
		{isa.WaitImm{Cycles: 16}, "wti 0x10"},
		{isa.WaitReg{Rs: 7}, "wtr r7"},
		{isa.TriggerWaitReg{Rs: 7}, "twr r7"},
		{isa.Jump{Offset: 2}, "j 0x2"},
		{isa.End{}, "end"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.inst.String())
	}
}
