package vm

// Exception bits of the pending-exception bitmask. The memory manager
// raises ExceptCodeAutomod when a store lands on memory that backs
// compiled code; the remaining bits are raised by instruction semantics.
const (
	ExceptCodeAutomod      uint64 = 1 << 0
	ExceptSoftBP           uint64 = 1 << 1
	ExceptIntXX            uint64 = 1 << 2
	ExceptBreakpointMemory uint64 = 1 << 10
	ExceptNumUpdtEIP       uint64 = 1 << 11
	ExceptDoNotUpdatePC    uint64 = 1 << 25

	ExceptAccessViol  = 1<<14 | ExceptDoNotUpdatePC
	ExceptDivByZero   = 1<<16 | ExceptDoNotUpdatePC
	ExceptPrivInsn    = 1<<17 | ExceptDoNotUpdatePC
	ExceptIllegalInsn = 1<<18 | ExceptDoNotUpdatePC
	ExceptUnkMnemo    = 1<<19 | ExceptDoNotUpdatePC
	ExceptInt1        = 1<<20 | ExceptDoNotUpdatePC
)

// ExceptionFlags returns the manager's pending-exception bitmask.
func (m *Manager) ExceptionFlags() uint64 {
	return m.exceptionFlags
}

// SetExceptionFlags replaces the pending-exception bitmask.
func (m *Manager) SetExceptionFlags(flags uint64) {
	m.exceptionFlags = flags
}

// ClearException clears the given bits of the pending-exception bitmask.
func (m *Manager) ClearException(bits uint64) {
	m.exceptionFlags &^= bits
}
