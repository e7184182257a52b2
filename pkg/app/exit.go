package app

import (
	xerrors "appbase/internal/errors"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitConfigureError = 1
	ExitStartError     = 2
	ExitRunError       = 3
)

// ExitCode maps an error returned by Configure, Start, Run or Exec to a
// process exit code. Stop failures alone do not change the exit code of an
// otherwise clean shutdown; they are logged and alerted during shutdown.
func ExitCode(err error) int {
	switch {
	case err == nil, xerrors.HasCode(err, xerrors.CodeExitRequested):
		return ExitOK
	case xerrors.HasCode(err, xerrors.CodeTaskFailed):
		return ExitRunError
	case xerrors.HasCode(err, xerrors.CodeStartFailed):
		return ExitStartError
	case xerrors.HasCode(err, xerrors.CodeStopFailed):
		return ExitOK
	default:
		return ExitConfigureError
	}
}
