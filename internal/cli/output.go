package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Output formats.
const (
	formatText = "text"
	formatJSON = "json"
)

// Process exit codes. Success is the implicit zero.
const (
	exitViolations   = 1 // the auditor found broken invariants
	exitCommandError = 2 // bad flags, unreadable config, unopenable database
)

// report is a command result. Every command produces exactly one report
// per run: its JSON form is the payload itself, its text form is whatever
// the report renders.
type report interface {
	renderText(w io.Writer) error
}

// emitter writes a command's report in the selected format.
type emitter struct {
	format  string
	out     io.Writer
	diag    io.Writer // diagnostics only; never mixed into JSON output
	verbose bool
}

func newEmitter(opts *RootOptions, out, diag io.Writer) *emitter {
	return &emitter{
		format:  opts.Format,
		out:     out,
		diag:    diag,
		verbose: opts.Verbose,
	}
}

func (e *emitter) emit(r report) error {
	if e.format == formatJSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	return r.renderText(e.out)
}

// commandError ends a command with a specific process exit code.
type commandError struct {
	code int
	msg  string
	err  error
}

func (e *commandError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *commandError) Unwrap() error { return e.err }

// usageError marks a failure of the invocation itself: bad flags, a broken
// config file, a database that cannot be opened or read.
func usageError(msg string, err error) *commandError {
	return &commandError{code: exitCommandError, msg: msg, err: err}
}

// violationsError marks a dirty audit. The report has already been
// emitted; this only sets the exit code.
func violationsError(n int) *commandError {
	return &commandError{code: exitViolations, msg: fmt.Sprintf("%d invariant violations", n)}
}

// ExitCode maps a command error to the process exit code. Errors that
// carry no code count as command errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitCommandError
}
