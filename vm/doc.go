// Package vm implements the Harrier virtual machine.
//
// It covers:
//   - NaN-boxed values and the id-keyed object table
//   - The fast and reference execution tiers
//   - Hotness profiling and on-stack replacement into compiled code
//   - Cooperative suspension at safe points
//   - Checkpoint snapshots and hotness profile persistence
package vm
