package service

import "github.com/septivank/counter-ingest-worker/internal/db"

// Process exit codes
const (
	ExitOK         = 0
	ExitFatal      = 1
	ExitItemErrors = 2
	ExitLockDenied = 3
)

// ExitCode maps a run result to the process exit status. Item errors only
// fail the process when failOnItemErrors is set; otherwise they are left to
// the audit log.
func ExitCode(run *db.RunAttempt, err error, failOnItemErrors bool) int {
	switch {
	case err != nil || run == nil:
		return ExitFatal
	case run.State == db.StateLockDenied:
		return ExitLockDenied
	case failOnItemErrors && run.Errored > 0:
		return ExitItemErrors
	default:
		return ExitOK
	}
}
