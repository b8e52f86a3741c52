package qicode

import "fmt"

// VariableKind distinguishes how a variable's values are interpreted by the
// compiler.
type VariableKind int

const (
	// VarNormal holds a generic integer.
	VarNormal VariableKind = iota
	// VarTime holds a duration; literals bound to it are quantized from
	// seconds to clock cycles.
	VarTime
	// VarState holds a measured qubit state.
	VarState
)

var variableKindNames = map[VariableKind]string{
	VarNormal: "int",
	VarTime:   "time",
	VarState:  "state",
}

func (k VariableKind) String() string {
	return variableKindNames[k]
}

// Variable is a typed reference to a sequencer register. Variables are
// declared in a job's scope and keep their register for the whole program.
type Variable struct {
	kind VariableKind
	id   int
	name string
	job  *Job
}

func (v *Variable) Kind() VariableKind { return v.kind }
func (v *Variable) Name() string       { return v.name }
func (v *Variable) ID() int            { return v.id }

func (v *Variable) isValue() {}
func (v *Variable) isExpr()  {}

// Value is an operand that resolves to a number during compilation: a
// literal, a variable reference, or a deferred sample property lookup.
type Value interface {
	isValue()
}

// Constant is a literal operand. For durations it is in seconds, for
// frequencies in Hz, otherwise it is a plain count.
type Constant float64

func (Constant) isValue() {}
func (Constant) isExpr()  {}

// PropertyRef is a deferred lookup of a named sample property, resolved
// against a concrete sample binding when compilation is invoked. Arithmetic
// on a PropertyRef folds into the deferred lookup.
type PropertyRef struct {
	cell   *Cell
	name   string
	scale  float64
	offset float64
}

func (p *PropertyRef) isValue() {}
func (p *PropertyRef) isExpr()  {}

func (p *PropertyRef) CellRef() *Cell { return p.cell }
func (p *PropertyRef) Property() string { return p.name }

// Scaled returns a reference resolving to factor times the property value.
func (p *PropertyRef) Scaled(factor float64) *PropertyRef {
	return &PropertyRef{
		cell:   p.cell,
		name:   p.name,
		scale:  p.scale * factor,
		offset: p.offset * factor,
	}
}

// Shifted returns a reference resolving to the property value plus delta.
func (p *PropertyRef) Shifted(delta float64) *PropertyRef {
	return &PropertyRef{
		cell:   p.cell,
		name:   p.name,
		scale:  p.scale,
		offset: p.offset + delta,
	}
}

// Resolve applies the folded arithmetic to a concrete property value.
func (p *PropertyRef) Resolve(value float64) float64 {
	return p.scale*value + p.offset
}

func (p *PropertyRef) String() string {
	return fmt.Sprintf("cell[%d].%s", p.cell.index, p.name)
}

// CmpOp is a comparison operator of an If condition.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpGt
	CmpLe
	CmpGe
)

var cmpNames = map[CmpOp]string{
	CmpEq: "==",
	CmpNe: "!=",
	CmpLt: "<",
	CmpGt: ">",
	CmpLe: "<=",
	CmpGe: ">=",
}

func (o CmpOp) String() string {
	return cmpNames[o]
}

// Condition compares a variable against a value.
type Condition struct {
	Lhs *Variable
	Op  CmpOp
	Rhs Value
}

func (v *Variable) Eq(rhs Value) Condition { return Condition{v, CmpEq, rhs} }
func (v *Variable) Ne(rhs Value) Condition { return Condition{v, CmpNe, rhs} }
func (v *Variable) Lt(rhs Value) Condition { return Condition{v, CmpLt, rhs} }
func (v *Variable) Gt(rhs Value) Condition { return Condition{v, CmpGt, rhs} }
func (v *Variable) Le(rhs Value) Condition { return Condition{v, CmpLe, rhs} }
func (v *Variable) Ge(rhs Value) Condition { return Condition{v, CmpGe, rhs} }

// ArithOp is an arithmetic or logical operator of an assignment expression.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpShl
	OpShr
	OpAnd
	OpOr
	OpXor
)

var arithNames = map[ArithOp]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpShl: "<<",
	OpShr: ">>",
	OpAnd: "&",
	OpOr:  "|",
	OpXor: "^",
}

func (o ArithOp) String() string {
	return arithNames[o]
}

// Expr is the right-hand side of an assignment: a plain value or a binary
// operation over two values.
type Expr interface {
	isExpr()
}

// BinaryExpr combines two operands with an arithmetic operator. At least
// one operand must be a variable; constant folding happens before job
// construction.
type BinaryExpr struct {
	Lhs Value
	Op  ArithOp
	Rhs Value
}

func (BinaryExpr) isExpr() {}
