// Package session defines the types shared across the calibration core:
//
//   - StepKind / StepState: the discrete units of calibration work and
//     their lifecycle
//   - MeterSession: the state of one meter's run, owned by its engine
//   - Report: the terminal per-meter summary emitted to the reporting
//     collaborator
//
// These types are shared by the engine, progress store, orchestrator and
// CLI to keep JSON contracts consistent.
package session
