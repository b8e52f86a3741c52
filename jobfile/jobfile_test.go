package jobfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/compiler"
)

const rabiSource = `
cells = 2

variable "length" {
  kind = "time"
}

for_range {
  variable = "length"
  start    = 0
  end      = 200 * ns
  step     = 20 * ns

  play {
    cell       = 0
    length_var = "length"
    amplitude  = 0.5
  }

  play_readout {
    cell   = 0
    length = 400 * ns

    record {
      duration = 400 * ns
      save_to  = "rabi"
    }
  }

  wait {
    cell     = 0
    duration = 2 * us
  }
}
`

func TestParseRabiJob(t *testing.T) {
	job, err := Parse([]byte(rabiSource), "rabi.hcl")
	require.NoError(t, err)

	require.Len(t, job.JobCells(), 2)
	require.Len(t, job.JobVariables(), 1)
	assert.Equal(t, "length", job.JobVariables()[0].Name())

	program, err := compiler.Compile(job, compiler.Options{})
	require.NoError(t, err)
	recs := job.Recordings(job.JobCells()[0])
	require.Len(t, recs, 1)
	assert.Equal(t, "rabi", recs[0].Name)
	require.NotNil(t, program)
}

func TestParseConditionalAndParallel(t *testing.T) {
	src := `
cells = 1

variable "state" {
  kind = "state"
}

play_readout {
  cell   = 0
  length = 400 * ns

  record {
    duration = 400 * ns
    state_to = "state"
  }
}

if {
  variable = "state"
  op       = "=="
  value    = 1

  play {
    cell   = 0
    length = 48 * ns
    shape  = "gauss"
  }

  else {
    wait {
      cell     = 0
      duration = 48 * ns
    }
  }
}

parallel {
  body {
    play {
      cell   = 0
      length = 100 * ns
    }
  }
  body {
    digital_trigger {
      cell     = 0
      outputs  = 3
      duration = 100 * ns
    }
  }
}

sync {}
`
	job, err := Parse([]byte(src), "cond.hcl")
	require.NoError(t, err)

	_, err = compiler.Compile(job, compiler.Options{})
	require.NoError(t, err)
}

func TestParseAssignForms(t *testing.T) {
	src := `
cells = 1

variable "a" {}
variable "b" {}

assign {
  dst   = "a"
  value = 3
}

assign {
  dst = "b"
  a   = 1
  op  = "<<"
  b   = 4
}

wait {
  cell     = 0
  duration = 100 * ns
}
`
	job, err := Parse([]byte(src), "assign.hcl")
	require.NoError(t, err)
	require.Len(t, job.JobVariables(), 2)

	body := job.Body()
	require.GreaterOrEqual(t, len(body), 3)
	first, ok := body[0].(*qicode.Assign)
	require.True(t, ok)
	assert.Equal(t, qicode.Constant(3), first.Expr)
	second, ok := body[1].(*qicode.Assign)
	require.True(t, ok)
	expr, ok := second.Expr.(qicode.BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, qicode.OpShl, expr.Op)
}

func TestParseDocumentBindsCellProperties(t *testing.T) {
	src := `
cells = 1

cell "0" {
  pi_length  = 48 * ns
  rr_length  = 400 * ns
}

play {
  cell        = 0
  length_prop = "pi_length"
}

play_readout {
  cell        = 0
  length_prop = "rr_length"

  record {
    duration_prop = "rr_length"
    save_to       = "iq"
  }
}
`
	doc, err := ParseDocument([]byte(src), "props.hcl")
	require.NoError(t, err)
	require.NotNil(t, doc.Sample)
	val, ok := doc.Sample.Lookup(0, "pi_length")
	require.True(t, ok)
	assert.InDelta(t, 48e-9, val, 1e-15)

	_, err = compiler.Compile(doc.Job, compiler.Options{Sample: doc.Sample})
	require.NoError(t, err)

	// Without the sample the deferred references must fail to resolve.
	doc2, err := ParseDocument([]byte(src), "props.hcl")
	require.NoError(t, err)
	_, err = compiler.Compile(doc2.Job, compiler.Options{})
	require.Error(t, err)
}

func TestMergeSamplesPrefersOverlay(t *testing.T) {
	base := &qicode.Sample{Cells: []qicode.CellProperties{{"a": 1, "b": 2}}}
	over := &qicode.Sample{Cells: []qicode.CellProperties{{"b": 3}}}
	merged := MergeSamples(base, over)
	a, _ := merged.Lookup(0, "a")
	b, _ := merged.Lookup(0, "b")
	assert.Equal(t, 1.0, a)
	assert.Equal(t, 3.0, b)
	assert.Same(t, over, MergeSamples(nil, over))
	assert.Same(t, base, MergeSamples(base, nil))
}

func TestParseErrorsCarryPosition(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "missing cells",
			src:  "wait {\n  cell = 0\n  duration = 1 * us\n}\n",
			want: "cells",
		},
		{
			name: "unknown block",
			src:  "cells = 1\nfrobnicate {}\n",
			want: "frobnicate",
		},
		{
			name: "unknown variable reference",
			src:  "cells = 1\nwait {\n  cell = 0\n  duration_var = \"nope\"\n}\n",
			want: `unknown variable "nope"`,
		},
		{
			name: "cell out of range",
			src:  "cells = 1\nwait {\n  cell = 5\n  duration = 1 * us\n}\n",
			want: "cell 5 out of range",
		},
		{
			name: "bad shape",
			src:  "cells = 1\nplay {\n  cell = 0\n  length = 1 * us\n  shape = \"triangle\"\n}\n",
			want: `unknown shape "triangle"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src), "bad.hcl")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseRejectsDuplicateVariable(t *testing.T) {
	src := "cells = 1\nvariable \"x\" {}\nvariable \"x\" {}\n"
	_, err := Parse([]byte(src), "dup.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared twice")
}

func TestParsePositionInDiagnostics(t *testing.T) {
	src := "cells = 1\nwait {\n  cell = 9\n  duration = 1 * us\n}\n"
	_, err := Parse([]byte(src), "pos.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pos.hcl:3")
}
