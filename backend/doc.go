// Package backend provides the interchangeable execution backends.
//
// The backend package defines the Backend capability contract (run code,
// write/read/list files, terminate) and three concrete implementations with
// very different transports behind the same interface:
//
//   - CloudBackend: a managed micro-VM sandbox provisioned through a REST
//     control plane, with code execution and file transfer over the
//     sandbox's data-plane HTTP API.
//   - ServerlessBackend: a deployed serverless execution endpoint reached by
//     HTTP POST, with file operations shelled out to a companion CLI that
//     copies bytes to and from a named persistent volume.
//   - LocalBackend: exec into a long-lived compose service container, with
//     file operations built from ls/mkdir/cat.
//
// Run failures never escape an adapter as Go errors; they are captured into
// ExecutionResult.Error. File reads of missing paths return an error
// wrapping ErrFileNotFound.
package backend
