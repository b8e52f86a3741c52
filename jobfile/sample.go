package jobfile

import (
	"os"
	"strconv"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/quantuminterface/qiclib/qicode"
)

// Document is a parsed jobfile: the job plus any inline cell properties.
type Document struct {
	Job *qicode.Job
	// Sample holds the properties of top-level cell blocks, nil when the
	// jobfile declares none. A sample file supplied at compile time takes
	// precedence per property.
	Sample *qicode.Sample
}

// LoadDocument parses the jobfile at path.
func LoadDocument(path string) (*Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load jobfile")
	}
	return ParseDocument(src, path)
}

// decodeCellBlock reads one `cell "<index>" { ... }` properties block.
func (d *decoder) decodeCellBlock(block *hclsyntax.Block, sample *qicode.Sample) error {
	if len(block.Labels) != 1 {
		return diagErr(block.DefRange(), "cell block needs exactly one index label")
	}
	idx, err := strconv.Atoi(block.Labels[0])
	if err != nil || idx < 0 || idx >= len(d.cells) {
		return diagErr(block.DefRange(), "cell label %q is not a valid cell index", block.Labels[0])
	}
	if len(sample.Cells) < len(d.cells) {
		sample.Cells = append(
			sample.Cells,
			make([]qicode.CellProperties, len(d.cells)-len(sample.Cells))...,
		)
	}
	if sample.Cells[idx] == nil {
		sample.Cells[idx] = qicode.CellProperties{}
	}
	for _, attr := range block.Body.Attributes {
		val, err := d.floatAttr(attr)
		if err != nil {
			return err
		}
		sample.Cells[idx][attr.Name] = val
	}
	for _, nested := range block.Body.Blocks {
		return diagErr(nested.DefRange(), "cell blocks hold only property attributes")
	}
	return nil
}

// sampleFile is the YAML shape of a standalone sample description.
type sampleFile struct {
	Cells []map[string]float64 `yaml:"cells"`
}

// LoadSample reads cell properties from a YAML file.
func LoadSample(path string) (*qicode.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load sample")
	}
	var file sampleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse sample")
	}
	sample := &qicode.Sample{}
	for _, props := range file.Cells {
		cell := qicode.CellProperties{}
		for name, val := range props {
			cell[name] = val
		}
		sample.Cells = append(sample.Cells, cell)
	}
	return sample, nil
}

// MergeSamples overlays per-property values of b over a. Either side may
// be nil.
func MergeSamples(a, b *qicode.Sample) *qicode.Sample {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	merged := &qicode.Sample{}
	n := len(a.Cells)
	if len(b.Cells) > n {
		n = len(b.Cells)
	}
	merged.Cells = make([]qicode.CellProperties, n)
	for i := range merged.Cells {
		props := qicode.CellProperties{}
		if i < len(a.Cells) {
			for name, val := range a.Cells[i] {
				props[name] = val
			}
		}
		if i < len(b.Cells) {
			for name, val := range b.Cells[i] {
				props[name] = val
			}
		}
		merged.Cells[i] = props
	}
	return merged
}
