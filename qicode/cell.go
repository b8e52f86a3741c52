package qicode

// Cell is one logical qubit channel of a job: a manipulation module, a
// readout module and a recording module driven by a dedicated sequencer.
// Properties referenced through a cell are resolved against the concrete
// sample the job is bound to at compile time.
type Cell struct {
	job   *Job
	index int
}

// Index is the cell's position within its job. The mapping onto physical
// cell indices happens when the program is loaded.
func (c *Cell) Index() int { return c.index }

// Property returns a deferred reference to the named sample property,
// usable wherever a duration or frequency is expected.
func (c *Cell) Property(name string) *PropertyRef {
	return &PropertyRef{cell: c, name: name, scale: 1}
}

// RecordingSpec describes one named result box of a cell, in issue order.
type RecordingSpec struct {
	Name string
	// Duration of the acquisition window in seconds, after property
	// resolution.
	Duration Value
}
