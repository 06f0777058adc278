// Package flow holds the declarative flow registry: which steps a flow runs,
// what each step reads and produces, how it is staffed, and how a
// conditional step's outcome token reshapes the remaining pipeline.
//
// Definitions are pure data. The state machine in package machine reads them
// and never mutates them; callers that need to adjust a definition work on a
// Clone.
package flow
