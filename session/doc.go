// Package session manages the single active execution session.
//
// The session package implements the Manager, which owns at most one live
// backend instance for the process. It selects a backend by priority (cloud
// sandbox when a credential is configured, then the serverless endpoint,
// then the local container), probes the active backend for liveness before
// each reuse, transparently recreates it when the probe fails, and tracks
// the session's reference-file upload cache so a file is transferred at most
// once per session.
//
// The Manager is not internally synchronized; the calling application must
// serialize access to it.
//
// Usage:
//
//	mgr := session.NewManager(logger, cfg)
//	b, err := mgr.GetOrCreate(ctx)
//	if err != nil {
//	    return err
//	}
//	result := b.RunCode(ctx, "print('hello')")
package session
