// Package vclock implements the vector clock used to order field updates.
//
// A VectorClock maps a device identifier to a counter owned by that device.
// A device only ever increments its own entry; every other entry moves
// upward through Merge (pointwise maximum). No entry ever decreases.
//
// Compare establishes the causal relation between two clocks:
//
//	Before      every entry of a <= b, at least one strictly less
//	After       every entry of a >= b, at least one strictly greater
//	Equal       identical entries (missing entries count as 0)
//	Concurrent  some entries less, some greater
//
// Device identifiers are normalised with NormalizeID before being used as
// keys, so equal identifiers that arrive in different Unicode normal forms
// land on the same entry and compare identically in tie-breaks.
package vclock
