// Package jobfile loads experiment descriptions from HCL files and turns
// them into jobs. Command blocks keep their file order; unit constants
// (ns, us, MHz, ...) are available in every expression.
package jobfile

import (
	"math"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"

	"github.com/quantuminterface/qiclib/qicode"
)

// evalContext exposes unit constants to jobfile expressions, so durations
// read `400 * ns` and frequencies `60 * MHz`.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"ns":  cty.NumberFloatVal(1e-9),
			"us":  cty.NumberFloatVal(1e-6),
			"ms":  cty.NumberFloatVal(1e-3),
			"s":   cty.NumberFloatVal(1),
			"kHz": cty.NumberFloatVal(1e3),
			"MHz": cty.NumberFloatVal(1e6),
			"GHz": cty.NumberFloatVal(1e9),
			"pi":  cty.NumberFloatVal(math.Pi),
		},
	}
}

// Load parses the jobfile at path into a job.
func Load(path string) (*qicode.Job, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load jobfile")
	}
	return Parse(src, path)
}

// Parse decodes jobfile source. The filename shapes diagnostics only.
func Parse(src []byte, filename string) (*qicode.Job, error) {
	doc, err := ParseDocument(src, filename)
	if err != nil {
		return nil, err
	}
	return doc.Job, nil
}

// ParseDocument decodes jobfile source, keeping inline cell properties.
func ParseDocument(src []byte, filename string) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, "parse jobfile")
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, errors.New("parse jobfile: unexpected body type")
	}

	d := &decoder{
		job:  qicode.NewJob(),
		ctx:  evalContext(),
		vars: map[string]*qicode.Variable{},
	}
	doc := &Document{Job: d.job}
	if err := d.decodeTopLevel(body, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

type decoder struct {
	job   *qicode.Job
	ctx   *hcl.EvalContext
	cells []*qicode.Cell
	vars  map[string]*qicode.Variable
}

func diagErr(rng hcl.Range, format string, args ...interface{}) error {
	return errors.Wrapf(
		errors.Errorf(format, args...),
		"%s", rng.String(),
	)
}

func (d *decoder) decodeTopLevel(body *hclsyntax.Body, doc *Document) error {
	// The cell count must be known before any command references a cell.
	attr, ok := body.Attributes["cells"]
	if !ok {
		return errors.New("jobfile declares no cells attribute")
	}
	n, err := d.intAttr(attr)
	if err != nil {
		return err
	}
	if n < 1 {
		return diagErr(attr.Range(), "cell count %d must be positive", n)
	}
	d.cells = d.job.Cells(n)

	for name, a := range body.Attributes {
		if name != "cells" {
			return diagErr(a.Range(), "unknown attribute %q", name)
		}
	}

	// Declarations first, then commands in file order.
	for _, block := range body.Blocks {
		switch block.Type {
		case "variable":
			if err := d.decodeVariable(block); err != nil {
				return err
			}
		case "cell":
			if doc.Sample == nil {
				doc.Sample = &qicode.Sample{}
			}
			if err := d.decodeCellBlock(block, doc.Sample); err != nil {
				return err
			}
		}
	}
	for _, block := range body.Blocks {
		if block.Type == "variable" || block.Type == "cell" {
			continue
		}
		if err := d.decodeCommand(block); err != nil {
			return err
		}
	}
	return nil
}

var variableKinds = map[string]qicode.VariableKind{
	"int":   qicode.VarNormal,
	"time":  qicode.VarTime,
	"state": qicode.VarState,
}

func (d *decoder) decodeVariable(block *hclsyntax.Block) error {
	if len(block.Labels) != 1 {
		return diagErr(block.DefRange(), "variable needs exactly one name label")
	}
	name := block.Labels[0]
	if _, exists := d.vars[name]; exists {
		return diagErr(block.DefRange(), "variable %q declared twice", name)
	}
	kindName := "int"
	if attr, ok := block.Body.Attributes["kind"]; ok {
		s, err := d.stringAttr(attr)
		if err != nil {
			return err
		}
		kindName = s
	}
	kind, ok := variableKinds[kindName]
	if !ok {
		return diagErr(block.DefRange(), "unknown variable kind %q", kindName)
	}
	d.vars[name] = d.job.Variable(kind, name)
	return nil
}

func (d *decoder) decodeCommand(block *hclsyntax.Block) error {
	switch block.Type {
	case "play":
		return d.decodePlay(block)
	case "play_readout":
		return d.decodePlayReadout(block)
	case "record":
		return d.decodeRecord(block)
	case "wait":
		return d.decodeWait(block)
	case "sync":
		return d.decodeSync(block)
	case "rotate_frame":
		return d.decodeRotateFrame(block)
	case "assign":
		return d.decodeAssign(block)
	case "digital_trigger":
		return d.decodeDigitalTrigger(block)
	case "mem_store":
		return d.decodeMemStore(block)
	case "for_range":
		return d.decodeForRange(block)
	case "if":
		return d.decodeIf(block)
	case "parallel":
		return d.decodeParallel(block)
	}
	return diagErr(block.DefRange(), "unknown block type %q", block.Type)
}

func (d *decoder) decodeBody(body *hclsyntax.Body) error {
	for name, a := range body.Attributes {
		return diagErr(a.Range(), "unexpected attribute %q", name)
	}
	for _, block := range body.Blocks {
		if block.Type == "variable" {
			return diagErr(block.DefRange(), "variables must be declared at the top level")
		}
		if err := d.decodeCommand(block); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) decodePulse(block *hclsyntax.Block) (*qicode.Cell, qicode.Pulse, error) {
	cell, err := d.cellField(block)
	if err != nil {
		return nil, qicode.Pulse{}, err
	}
	length, err := d.cellValueField(block, cell, "length", true)
	if err != nil {
		return nil, qicode.Pulse{}, err
	}
	p := qicode.Pulse{
		Length:    length,
		Shape:     qicode.ShapeRect,
		Amplitude: 1,
	}
	if attr, ok := block.Body.Attributes["shape"]; ok {
		name, err := d.stringAttr(attr)
		if err != nil {
			return nil, qicode.Pulse{}, err
		}
		shape, ok := qicode.ShapeByName(name)
		if !ok {
			return nil, qicode.Pulse{}, diagErr(attr.Range(), "unknown shape %q", name)
		}
		p.Shape = shape
	}
	if attr, ok := block.Body.Attributes["amplitude"]; ok {
		if p.Amplitude, err = d.floatAttr(attr); err != nil {
			return nil, qicode.Pulse{}, err
		}
	}
	if attr, ok := block.Body.Attributes["phase"]; ok {
		if p.Phase, err = d.floatAttr(attr); err != nil {
			return nil, qicode.Pulse{}, err
		}
	}
	if p.Frequency, err = d.cellValueField(block, cell, "frequency", false); err != nil {
		return nil, qicode.Pulse{}, err
	}
	if attr, ok := block.Body.Attributes["hold"]; ok {
		if p.Hold, err = d.boolAttr(attr); err != nil {
			return nil, qicode.Pulse{}, err
		}
	}
	return cell, p, nil
}

func (d *decoder) decodePlay(block *hclsyntax.Block) error {
	cell, pulse, err := d.decodePulse(block)
	if err != nil {
		return err
	}
	return errors.Wrapf(d.job.Play(cell, pulse), "%s", block.DefRange().String())
}

func (d *decoder) decodePlayReadout(block *hclsyntax.Block) error {
	cell, pulse, err := d.decodePulse(block)
	if err != nil {
		return err
	}
	var rec *qicode.Record
	for _, nested := range block.Body.Blocks {
		if nested.Type != "record" {
			return diagErr(nested.DefRange(), "unexpected block %q in play_readout", nested.Type)
		}
		if rec != nil {
			return diagErr(nested.DefRange(), "play_readout takes one record block")
		}
		r, err := d.recordSpec(nested, cell)
		if err != nil {
			return err
		}
		rec = r
	}
	return errors.Wrapf(d.job.PlayReadout(cell, pulse, rec), "%s", block.DefRange().String())
}

func (d *decoder) recordSpec(block *hclsyntax.Block, cell *qicode.Cell) (*qicode.Record, error) {
	duration, err := d.cellValueField(block, cell, "duration", true)
	if err != nil {
		return nil, err
	}
	rec := &qicode.Record{Cell: cell, Duration: duration}
	if rec.Offset, err = d.cellValueField(block, cell, "offset", false); err != nil {
		return nil, err
	}
	if attr, ok := block.Body.Attributes["save_to"]; ok {
		if rec.SaveTo, err = d.stringAttr(attr); err != nil {
			return nil, err
		}
	}
	if attr, ok := block.Body.Attributes["state_to"]; ok {
		name, err := d.stringAttr(attr)
		if err != nil {
			return nil, err
		}
		v, ok := d.vars[name]
		if !ok {
			return nil, diagErr(attr.Range(), "unknown variable %q", name)
		}
		rec.StateTo = v
	}
	if attr, ok := block.Body.Attributes["continuous"]; ok {
		if rec.Continuous, err = d.boolAttr(attr); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (d *decoder) decodeRecord(block *hclsyntax.Block) error {
	cell, err := d.cellField(block)
	if err != nil {
		return err
	}
	rec, err := d.recordSpec(block, cell)
	if err != nil {
		return err
	}
	return errors.Wrapf(d.job.Record(cell, *rec), "%s", block.DefRange().String())
}

func (d *decoder) decodeWait(block *hclsyntax.Block) error {
	cell, err := d.cellField(block)
	if err != nil {
		return err
	}
	duration, err := d.cellValueField(block, cell, "duration", true)
	if err != nil {
		return err
	}
	return errors.Wrapf(d.job.Wait(cell, duration), "%s", block.DefRange().String())
}

func (d *decoder) decodeSync(block *hclsyntax.Block) error {
	var cells []*qicode.Cell
	if attr, ok := block.Body.Attributes["cells"]; ok {
		indices, err := d.intListAttr(attr)
		if err != nil {
			return err
		}
		for _, idx := range indices {
			cell, err := d.cellAt(idx, attr.Range())
			if err != nil {
				return err
			}
			cells = append(cells, cell)
		}
	}
	return errors.Wrapf(d.job.Sync(cells...), "%s", block.DefRange().String())
}

func (d *decoder) decodeRotateFrame(block *hclsyntax.Block) error {
	cell, err := d.cellField(block)
	if err != nil {
		return err
	}
	attr, ok := block.Body.Attributes["angle"]
	if !ok {
		return diagErr(block.DefRange(), "rotate_frame needs an angle")
	}
	angle, err := d.floatAttr(attr)
	if err != nil {
		return err
	}
	return errors.Wrapf(d.job.RotateFrame(cell, angle), "%s", block.DefRange().String())
}

var arithOps = map[string]qicode.ArithOp{
	"+":  qicode.OpAdd,
	"-":  qicode.OpSub,
	"*":  qicode.OpMul,
	"<<": qicode.OpShl,
	">>": qicode.OpShr,
	"&":  qicode.OpAnd,
	"|":  qicode.OpOr,
	"^":  qicode.OpXor,
}

func (d *decoder) decodeAssign(block *hclsyntax.Block) error {
	attr, ok := block.Body.Attributes["dst"]
	if !ok {
		return diagErr(block.DefRange(), "assign needs a dst variable")
	}
	dstName, err := d.stringAttr(attr)
	if err != nil {
		return err
	}
	dst, ok := d.vars[dstName]
	if !ok {
		return diagErr(attr.Range(), "unknown variable %q", dstName)
	}

	if _, ok := block.Body.Attributes["op"]; ok {
		lhs, err := d.valueField(block, "a", true)
		if err != nil {
			return err
		}
		rhs, err := d.valueField(block, "b", true)
		if err != nil {
			return err
		}
		opAttr := block.Body.Attributes["op"]
		opName, err := d.stringAttr(opAttr)
		if err != nil {
			return err
		}
		op, ok := arithOps[opName]
		if !ok {
			return diagErr(opAttr.Range(), "unknown operator %q", opName)
		}
		expr := qicode.BinaryExpr{Lhs: lhs, Op: op, Rhs: rhs}
		return errors.Wrapf(d.job.Assign(dst, expr), "%s", block.DefRange().String())
	}

	value, err := d.valueField(block, "value", true)
	if err != nil {
		return err
	}
	expr, ok := value.(qicode.Expr)
	if !ok {
		return diagErr(block.DefRange(), "assign value must be a number or variable")
	}
	return errors.Wrapf(d.job.Assign(dst, expr), "%s", block.DefRange().String())
}

func (d *decoder) decodeDigitalTrigger(block *hclsyntax.Block) error {
	cell, err := d.cellField(block)
	if err != nil {
		return err
	}
	attr, ok := block.Body.Attributes["outputs"]
	if !ok {
		return diagErr(block.DefRange(), "digital_trigger needs outputs")
	}
	outputs, err := d.intAttr(attr)
	if err != nil {
		return err
	}
	duration, err := d.cellValueField(block, cell, "duration", true)
	if err != nil {
		return err
	}
	err = d.job.DigitalTrigger(cell, uint8(outputs), duration)
	return errors.Wrapf(err, "%s", block.DefRange().String())
}

func (d *decoder) decodeMemStore(block *hclsyntax.Block) error {
	cell, err := d.cellField(block)
	if err != nil {
		return err
	}
	offsetAttr, ok := block.Body.Attributes["offset"]
	if !ok {
		return diagErr(block.DefRange(), "mem_store needs an offset")
	}
	offset, err := d.intAttr(offsetAttr)
	if err != nil {
		return err
	}
	srcAttr, ok := block.Body.Attributes["src"]
	if !ok {
		return diagErr(block.DefRange(), "mem_store needs a src variable")
	}
	srcName, err := d.stringAttr(srcAttr)
	if err != nil {
		return err
	}
	src, ok := d.vars[srcName]
	if !ok {
		return diagErr(srcAttr.Range(), "unknown variable %q", srcName)
	}
	err = d.job.MemStore(cell, int32(offset), src)
	return errors.Wrapf(err, "%s", block.DefRange().String())
}

func (d *decoder) decodeForRange(block *hclsyntax.Block) error {
	attr, ok := block.Body.Attributes["variable"]
	if !ok {
		return diagErr(block.DefRange(), "for_range needs a variable")
	}
	name, err := d.stringAttr(attr)
	if err != nil {
		return err
	}
	v, ok := d.vars[name]
	if !ok {
		return diagErr(attr.Range(), "unknown variable %q", name)
	}
	start, err := d.valueField(block, "start", true)
	if err != nil {
		return err
	}
	end, err := d.valueField(block, "end", true)
	if err != nil {
		return err
	}
	step, err := d.valueField(block, "step", true)
	if err != nil {
		return err
	}
	if err := d.job.BeginForRange(v, start, end, step); err != nil {
		return errors.Wrapf(err, "%s", block.DefRange().String())
	}
	if err := d.decodeNested(block); err != nil {
		return err
	}
	return errors.Wrapf(d.job.End(), "%s", block.DefRange().String())
}

// decodeNested walks the command blocks inside a control block, skipping
// the control attributes already consumed.
func (d *decoder) decodeNested(block *hclsyntax.Block) error {
	for _, nested := range block.Body.Blocks {
		if err := d.decodeCommand(nested); err != nil {
			return err
		}
	}
	return nil
}

var cmpOps = map[string]qicode.CmpOp{
	"==": qicode.CmpEq,
	"!=": qicode.CmpNe,
	"<":  qicode.CmpLt,
	">":  qicode.CmpGt,
	"<=": qicode.CmpLe,
	">=": qicode.CmpGe,
}

func (d *decoder) decodeIf(block *hclsyntax.Block) error {
	attr, ok := block.Body.Attributes["variable"]
	if !ok {
		return diagErr(block.DefRange(), "if needs a variable")
	}
	name, err := d.stringAttr(attr)
	if err != nil {
		return err
	}
	v, ok := d.vars[name]
	if !ok {
		return diagErr(attr.Range(), "unknown variable %q", name)
	}
	opName := "=="
	if opAttr, ok := block.Body.Attributes["op"]; ok {
		if opName, err = d.stringAttr(opAttr); err != nil {
			return err
		}
	}
	op, ok := cmpOps[opName]
	if !ok {
		return diagErr(block.DefRange(), "unknown comparison %q", opName)
	}
	rhs, err := d.valueField(block, "value", true)
	if err != nil {
		return err
	}

	cond := qicode.Condition{Lhs: v, Op: op, Rhs: rhs}
	if err := d.job.BeginIf(cond); err != nil {
		return errors.Wrapf(err, "%s", block.DefRange().String())
	}
	var elseBlock *hclsyntax.Block
	for _, nested := range block.Body.Blocks {
		if nested.Type == "else" {
			if elseBlock != nil {
				return diagErr(nested.DefRange(), "if takes one else block")
			}
			elseBlock = nested
			continue
		}
		if elseBlock != nil {
			return diagErr(nested.DefRange(), "commands after the else block")
		}
		if err := d.decodeCommand(nested); err != nil {
			return err
		}
	}
	if elseBlock != nil {
		if err := d.job.BeginElse(); err != nil {
			return errors.Wrapf(err, "%s", elseBlock.DefRange().String())
		}
		if err := d.decodeBody(elseBlock.Body); err != nil {
			return err
		}
	}
	return errors.Wrapf(d.job.End(), "%s", block.DefRange().String())
}

func (d *decoder) decodeParallel(block *hclsyntax.Block) error {
	for _, body := range block.Body.Blocks {
		if body.Type != "body" {
			return diagErr(body.DefRange(), "parallel contains only body blocks")
		}
		if err := d.job.BeginParallel(); err != nil {
			return errors.Wrapf(err, "%s", body.DefRange().String())
		}
		if err := d.decodeBody(body.Body); err != nil {
			return err
		}
		if err := d.job.End(); err != nil {
			return errors.Wrapf(err, "%s", body.DefRange().String())
		}
	}
	return nil
}
