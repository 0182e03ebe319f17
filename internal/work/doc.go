// Package work defines the data model shared by the simrunner engine:
// work items discovered on the control plane, transcripts handed to the
// completion capability, the reports sent back, and the error taxonomy
// used to decide between retrying and giving up.
//
// Users of the simrunner library should not need to interact with this
// package directly.
package work
