package emu

// RegValue is one register of a snapshot.
type RegValue struct {
	Name  string
	Value uint64
}

// Snapshot is the content of every register in table order.
type Snapshot []RegValue

// Map returns the snapshot as a name to value mapping, suitable for
// RegFile.WriteAll.
func (s Snapshot) Map() map[string]uint64 {
	m := make(map[string]uint64, len(s))
	for _, rv := range s {
		m[rv.Name] = rv.Value
	}
	return m
}

// Get returns the value of one register.
func (s Snapshot) Get(name string) (uint64, bool) {
	for _, rv := range s {
		if rv.Name == name {
			return rv.Value, true
		}
	}
	return 0, false
}

// RegDiff is a register whose value differs between two snapshots.
type RegDiff struct {
	Name string
	Old  uint64
	New  uint64
}

// Diff lists, in the order of s, the registers whose value in next
// differs. Registers absent from next are skipped.
func (s Snapshot) Diff(next Snapshot) []RegDiff {
	after := next.Map()

	var diffs []RegDiff
	for _, rv := range s {
		v, ok := after[rv.Name]
		if !ok || v == rv.Value {
			continue
		}
		diffs = append(diffs, RegDiff{Name: rv.Name, Old: rv.Value, New: v})
	}
	return diffs
}
