// Package executor implements the top-level execute-code operation.
//
// The executor validates caller input, obtains the active session from the
// session manager, runs the code, scans successful stdout for artifact
// markers, downloads declared artifacts, and assembles the uniform response
// record. It never returns a Go error to its caller: every failure mode is
// expressed as a Response with Success=false.
package executor
