// Package tdnf implements the core of an RPM package manager: repository
// metadata lifecycle, dependency solving, transaction history, and
// transaction execution.
//
// The command-line parser, the ".conf"/".repo" INI format, the RPM database
// itself, and the plugin subsystem are treated as external collaborators and
// are not implemented in this module.
package tdnf

import (
	"errors"
	"strings"
)

// Error is the shared error domain type for this module.
//
// Components should create an Error at the system boundary (reading a file,
// calling the RPM backend, parsing a digest) and intermediate layers should
// prefer [fmt.Errorf] with a "%w" verb over wrapping in another Error, except
// to add [ErrorKind] information.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrConfig, ErrIO, ErrNetwork, ErrCache, ErrIntegrity, ErrSolver, ErrTransaction, ErrUser:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] rather than a specific error value.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error { return e.Inner }

// ErrorKind classifies an Error by the taxonomy in the design document.
//
// If a site is unsure which kind applies, ErrIO is the closest thing to a
// default; callers should otherwise be deliberate about the kind.
type ErrorKind string

// Defined error kinds.
var (
	ErrConfig      = ErrorKind("config")      // malformed conf/repo file, duplicate repo id
	ErrIO          = ErrorKind("io")          // underlying OS failure
	ErrNetwork     = ErrorKind("network")     // transfer failure
	ErrCache       = ErrorKind("cache")       // cache corrupt, inaccessible, or disabled
	ErrIntegrity   = ErrorKind("integrity")   // checksum mismatch, bad signature, missing key, FIPS
	ErrSolver      = ErrorKind("solver")      // unresolvable, no match, protected package, etc.
	ErrTransaction = ErrorKind("transaction") // RPM backend failure, interrupted, lock busy
	ErrUser        = ErrorKind("user")        // invalid CLI option, conflicting flags
)

// Error implements error.
func (k ErrorKind) Error() string { return string(k) }

// Sentinel errors wrapped as the Inner error of an [Error] with the
// corresponding Kind, so callers can both errors.Is against the specific
// condition and against the broader Kind.
var (
	ErrNoBaseURL        = errors.New("no usable base url for repository")
	ErrCacheDisabled    = errors.New("cache disabled and --cacheonly set")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrBadSignature     = errors.New("bad signature")
	ErrNoKey            = errors.New("signing key not found")
	ErrFIPSForbidden    = errors.New("digest algorithm forbidden under FIPS mode")
	ErrFilterOverflow   = errors.New("snapshot filter buffer overflow")

	ErrNoMatch          = errors.New("no package matches selector")
	ErrAlreadyInstalled = errors.New("package already installed")
	ErrNoUpgradePath    = errors.New("no upgrade path")
	ErrNoDowngradePath  = errors.New("no downgrade path")
	ErrProtected        = errors.New("package is protected")

	ErrInterrupted = errors.New("interrupted")
	ErrLockBusy    = errors.New("instance lock busy")
	ErrReadOnly    = errors.New("lock file is read-only")
)
