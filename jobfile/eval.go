package jobfile

import (
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/quantuminterface/qiclib/qicode"
)

func (d *decoder) evalAttr(attr *hclsyntax.Attribute) (cty.Value, error) {
	val, diags := attr.Expr.Value(d.ctx)
	if diags.HasErrors() {
		return cty.NilVal, diagErr(attr.Range(), "%s", diags.Error())
	}
	return val, nil
}

func (d *decoder) floatAttr(attr *hclsyntax.Attribute) (float64, error) {
	val, err := d.evalAttr(attr)
	if err != nil {
		return 0, err
	}
	if val.Type() != cty.Number {
		return 0, diagErr(attr.Range(), "%q must be a number", attr.Name)
	}
	f, _ := val.AsBigFloat().Float64()
	return f, nil
}

func (d *decoder) intAttr(attr *hclsyntax.Attribute) (int, error) {
	val, err := d.evalAttr(attr)
	if err != nil {
		return 0, err
	}
	if val.Type() != cty.Number {
		return 0, diagErr(attr.Range(), "%q must be an integer", attr.Name)
	}
	n, acc := val.AsBigFloat().Int64()
	if acc != big.Exact {
		return 0, diagErr(attr.Range(), "%q must be an integer", attr.Name)
	}
	return int(n), nil
}

func (d *decoder) stringAttr(attr *hclsyntax.Attribute) (string, error) {
	val, err := d.evalAttr(attr)
	if err != nil {
		return "", err
	}
	if val.Type() != cty.String {
		return "", diagErr(attr.Range(), "%q must be a string", attr.Name)
	}
	return val.AsString(), nil
}

func (d *decoder) boolAttr(attr *hclsyntax.Attribute) (bool, error) {
	val, err := d.evalAttr(attr)
	if err != nil {
		return false, err
	}
	if val.Type() != cty.Bool {
		return false, diagErr(attr.Range(), "%q must be a bool", attr.Name)
	}
	return val.True(), nil
}

func (d *decoder) intListAttr(attr *hclsyntax.Attribute) ([]int, error) {
	val, err := d.evalAttr(attr)
	if err != nil {
		return nil, err
	}
	if !val.CanIterateElements() {
		return nil, diagErr(attr.Range(), "%q must be a list of integers", attr.Name)
	}
	var out []int
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.Type() != cty.Number {
			return nil, diagErr(attr.Range(), "%q must be a list of integers", attr.Name)
		}
		n, acc := elem.AsBigFloat().Int64()
		if acc != big.Exact {
			return nil, diagErr(attr.Range(), "%q must be a list of integers", attr.Name)
		}
		out = append(out, int(n))
	}
	return out, nil
}

func (d *decoder) cellAt(idx int, rng hcl.Range) (*qicode.Cell, error) {
	if idx < 0 || idx >= len(d.cells) {
		return nil, diagErr(rng, "cell %d out of range (job has %d)", idx, len(d.cells))
	}
	return d.cells[idx], nil
}

func (d *decoder) cellField(block *hclsyntax.Block) (*qicode.Cell, error) {
	attr, ok := block.Body.Attributes["cell"]
	if !ok {
		return nil, diagErr(block.DefRange(), "%q needs a cell", block.Type)
	}
	idx, err := d.intAttr(attr)
	if err != nil {
		return nil, err
	}
	return d.cellAt(idx, attr.Range())
}

// valueField resolves a settable operand. A plain attribute evaluates to a
// constant; the `<name>_var` form names a declared variable and the
// `<name>_prop` form a sample property of the command's cell.
func (d *decoder) valueField(block *hclsyntax.Block, name string, required bool) (qicode.Value, error) {
	return d.cellValueField(block, nil, name, required)
}

func (d *decoder) cellValueField(
	block *hclsyntax.Block,
	cell *qicode.Cell,
	name string,
	required bool,
) (qicode.Value, error) {
	attr, hasConst := block.Body.Attributes[name]
	varAttr, hasVar := block.Body.Attributes[name+"_var"]
	propAttr, hasProp := block.Body.Attributes[name+"_prop"]
	forms := 0
	for _, has := range []bool{hasConst, hasVar, hasProp} {
		if has {
			forms++
		}
	}
	switch {
	case forms > 1:
		return nil, diagErr(
			block.DefRange(),
			"%q, %q and %q are mutually exclusive", name, name+"_var", name+"_prop",
		)
	case hasProp:
		if cell == nil {
			return nil, diagErr(propAttr.Range(), "%q needs a cell-bound command", name+"_prop")
		}
		propName, err := d.stringAttr(propAttr)
		if err != nil {
			return nil, err
		}
		return cell.Property(propName), nil
	case hasVar:
		varName, err := d.stringAttr(varAttr)
		if err != nil {
			return nil, err
		}
		v, ok := d.vars[varName]
		if !ok {
			return nil, diagErr(varAttr.Range(), "unknown variable %q", varName)
		}
		return v, nil
	case hasConst:
		f, err := d.floatAttr(attr)
		if err != nil {
			return nil, err
		}
		return qicode.Constant(f), nil
	case required:
		return nil, diagErr(block.DefRange(), "%q needs a %q value", block.Type, name)
	}
	return nil, nil
}
