package qicode

// CellProperties maps property names to numeric values for one physical
// cell: pulse lengths in seconds, frequencies in Hz, plain factors.
type CellProperties map[string]float64

// Sample binds a job's logical cells to concrete physical properties. It
// is supplied at compile invocation; deferred property references resolve
// against it.
type Sample struct {
	Cells []CellProperties
}

// Lookup resolves a property for the given logical cell index.
func (s *Sample) Lookup(cell int, name string) (float64, bool) {
	if s == nil || cell < 0 || cell >= len(s.Cells) {
		return 0, false
	}
	val, ok := s.Cells[cell][name]
	return val, ok
}
