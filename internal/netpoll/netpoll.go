// Package netpoll wraps the platform readiness primitive the scheduler
// blocks on between ticks: register/modify/remove a descriptor for
// read/write readiness, and wait with a timeout.
package netpoll

// Interest is a bitmask of readiness events to watch for.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)
