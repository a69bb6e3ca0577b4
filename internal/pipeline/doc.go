// Package pipeline replaces mirror files with freshly decrypted copies.
//
// Each file moves through a fixed sequence of states:
//
//	Discovered -> LockReleaseRequested -> BackedUp -> Decrypting -> Verifying -> Committed
//
// and ends in Committed, RolledBack, Skipped or Failed. Whatever the end
// state, the mirror holds either its previous content or a new verified
// copy; the only window in which no file is present is the rename swap.
//
// Files of a batch are processed one after another, never in parallel.
// Cancellation is honored between files only.
//
// # Backups
//
// Before an existing mirror is replaced it is renamed to
// <name>.old.<unix-millis>. The rename is retried with linear backoff while
// readers hold the file; when it keeps failing the file is skipped and the
// mirror is left untouched. RecoverArtifacts restores or removes backups
// left by a process that died mid-file.
//
// # Verification
//
// Decrypted files are checked with a verify.Verifier unless the check is
// disabled or the file is a full-text-search index (see IsFTS). The
// verify.Policy decides per error category whether the new copy is rolled
// back, kept with a warning, or kept and flagged for review.
package pipeline
