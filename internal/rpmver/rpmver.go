// Package rpmver parses and compares RPM-style version strings.
//
// It is the one place this module does epoch:version-release arithmetic;
// the solver's tie-breaking (newest EVR wins) and the transaction
// classifier's install/upgrade/downgrade/reinstall split both reduce to
// calls into this package rather than reimplementing rpm's comparison
// rules themselves.
package rpmver

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Version holds a parsed NEVRA, NEVR, EVR, or EVRA string.
//
// [Version.String] renders it back out in minimal EVR form with "name" and
// "architecture" prefixed/suffixed when present; [Version.EVR] renders just
// the epoch:version-release portion.
type Version struct {
	Name         *string
	Architecture *string
	Epoch        string
	Version      string
	Release      string
}

// EVR returns the formatted epoch:version-release string.
func (v *Version) EVR() string {
	var b strings.Builder
	v.writeEVR(&b)
	return b.String()
}

func (v *Version) writeEVR(b *strings.Builder) {
	if v.Epoch != "0" {
		b.WriteString(v.Epoch)
		b.WriteByte(':')
	}
	b.WriteString(v.Version)
	b.WriteByte('-')
	b.WriteString(v.Release)
}

// String implements [fmt.Stringer], rendering "name-epoch:version-release.arch"
// with the name and arch segments present only when set.
func (v *Version) String() string {
	var b strings.Builder
	if v.Name != nil {
		b.WriteString(*v.Name)
		b.WriteByte('-')
	}
	v.writeEVR(&b)
	if v.Architecture != nil {
		b.WriteByte('.')
		b.WriteString(*v.Architecture)
	}
	return b.String()
}

// UnmarshalText implements [encoding.TextUnmarshaler] by delegating to
// [Parse]. A nil receiver is tolerated (the result is simply discarded),
// which lets the method double as a standalone validator.
func (v *Version) UnmarshalText(text []byte) (err error) {
	if v == nil {
		v = new(Version)
	}
	*v, err = Parse(string(text))
	return err
}

// MarshalText implements [encoding.TextMarshaler].
func (v *Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// IsZero reports whether v is the zero [Version].
func (v *Version) IsZero() bool {
	return v.Name == nil && v.Architecture == nil && v.Epoch == "" && v.Version == "" && v.Release == ""
}

// Parse splits a NEVRA-shaped string into its components. A bare
// "version-release" (no name) is accepted; epoch defaults to "0" when
// absent, and a trailing ".<arch>" is peeled off only when it matches a
// known architecture suffix, since otherwise there is no way to tell it
// apart from another release segment.
func Parse(s string) (Version, error) {
	out := Version{Epoch: "0"}

	switch strings.Count(s, "-") {
	case 0:
		return Version{}, fmt.Errorf("rpmver: %s: missing separators", s)
	case 1:
		// bare "version-release(.arch)"
	default:
		// "name-version-release(.arch)": split on the second-to-last "-"
		last := strings.LastIndexByte(s, '-')
		nameEnd := strings.LastIndexByte(s[:last], '-')
		name := s[:nameEnd]
		out.Name = &name
		s = s[nameEnd+1:]
	}

	verPart, relPart, _ := strings.Cut(s, "-")

	out.Version = verPart
	if epoch, rest, ok := strings.Cut(verPart, ":"); ok {
		if epoch != "" {
			out.Epoch = epoch
		}
		out.Version = rest
	}

	out.Release = relPart
	if dot := strings.LastIndexByte(relPart, '.'); dot != -1 {
		suffix := relPart[dot:]
		if isKnownArch(suffix) {
			arch := suffix[1:]
			out.Architecture = &arch
			out.Release = relPart[:dot]
		}
	}

	return out, nil
}

// knownArchSuffixes lists the architecture tags this module recognizes
// when peeling one off the end of a release string. These are the arches
// tdnf repos actually ship for; anything else is left as part of Release.
var knownArchSuffixes = []string{
	"aarch64",
	"i686",
	"noarch",
	"ppc64le",
	"riscv",
	"s390x",
	"src",
	"x86_64",
}

func isKnownArch(dotSuffix string) bool {
	name := strings.TrimPrefix(dotSuffix, ".")
	for _, a := range knownArchSuffixes {
		if a == name {
			return true
		}
	}
	return false
}

// sign names a three-way comparison outcome; used by this package's tests
// as a readable stand-in for the plain -1/0/1 the exported functions
// return, since the test fixtures spell comparisons as "<"/"=="/">"
// rather than numbers.
type sign int

const (
	signLess    sign = -1
	signEqual   sign = 0
	signGreater sign = 1
)

// Compare orders two Versions: name, then epoch, then upstream version,
// then release, then architecture. Name and architecture compare as plain
// strings (via [rpmvercmp], which degrades gracefully to ordinary
// lexicographic comparison on alpha-only input); epoch/version/release use
// full RPM version-comparison semantics.
func Compare(a, b *Version) int {
	if c := comparePtr(a.Name, b.Name); c != 0 {
		return c
	}
	if c := rpmvercmp(a.Epoch, b.Epoch); c != 0 {
		return c
	}
	if c := rpmvercmp(a.Version, b.Version); c != 0 {
		return c
	}
	if c := rpmvercmp(a.Release, b.Release); c != 0 {
		return c
	}
	return comparePtr(a.Architecture, b.Architecture)
}

// comparePtr treats a nil pointer as sorting before a non-nil one, so that
// (for instance) a Version with no recorded architecture never silently
// ties with one that has one.
func comparePtr(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a != nil && b == nil:
		return 1
	case a == nil && b != nil:
		return -1
	}
	return rpmvercmp(*a, *b)
}

// rpmvercmp compares two RPM version (or release, or epoch) segments.
//
// Ported from rpm's rpmvercmp.cc
// (https://github.com/rpm-software-management/rpm/blob/572844039a04846fe9e030cbacb6336e2240bd6f/rpmio/rpmvercmp.cc);
// the segment-walking algorithm itself must match upstream bit for bit, so
// only the surrounding Go plumbing differs from a hand port.
//
// Returns 1 if a > b, 0 if equal, -1 if a < b.
func rpmvercmp(a, b string) int {
	if a == b {
		return 0
	}

	for {
		a = strings.TrimLeftFunc(a, isSeparator)
		b = strings.TrimLeftFunc(b, isSeparator)

		// '~' sorts before everything, including the end of the string.
		switch {
		case strings.HasPrefix(a, "~") && strings.HasPrefix(b, "~"):
			a, b = a[1:], b[1:]
			continue
		case strings.HasPrefix(a, "~"):
			return -1
		case strings.HasPrefix(b, "~"):
			return 1
		}

		// '^' sorts after everything except a string that has already ended.
		switch {
		case strings.HasPrefix(a, "^") && strings.HasPrefix(b, "^"):
			a, b = a[1:], b[1:]
			continue
		case a == "" && strings.HasPrefix(b, "^"):
			return -1
		case strings.HasPrefix(a, "^") && b == "":
			return 1
		case strings.HasPrefix(a, "^"):
			return -1
		case strings.HasPrefix(b, "^"):
			return 1
		}

		if a == "" || b == "" {
			break
		}

		aSeg, aRest, numeric := takeSegment(a)
		// b's segment is its leading run of a's class, as upstream does, so
		// it is empty when b starts with the other class.
		class := isAlpha
		if numeric {
			class = isDigit
		}
		bSeg, bRest := b, ""
		if i := strings.IndexFunc(b, func(r rune) bool { return !class(r) }); i != -1 {
			bSeg, bRest = b[:i], b[i:]
		}
		a, b = aRest, bRest

		switch {
		case aSeg == "":
			// Unreachable: a != "" was just checked above.
			return -1
		case bSeg == "" && !numeric:
			// A numeric segment always outranks an absent (alpha) one.
			return -1
		case bSeg == "" && numeric:
			return 1
		}

		if numeric {
			aSeg = strings.TrimLeft(aSeg, "0")
			bSeg = strings.TrimLeft(bSeg, "0")
			if len(aSeg) != len(bSeg) {
				if len(aSeg) > len(bSeg) {
					return 1
				}
				return -1
			}
		}

		if c := strings.Compare(aSeg, bSeg); c != 0 {
			return c
		}
	}

	switch {
	case a == "" && b == "":
		return 0
	case b == "":
		return 1
	default:
		return -1
	}
}

// takeSegment pulls the leading run of digits (if the string starts with
// one) or letters off s, reporting whether the run was numeric.
func takeSegment(s string) (seg, rest string, numeric bool) {
	r, _ := utf8.DecodeRuneInString(s)
	numeric = isDigit(r)
	class := isAlpha
	if numeric {
		class = isDigit
	}
	i := strings.IndexFunc(s, func(r rune) bool { return !class(r) })
	if i == -1 {
		return s, "", numeric
	}
	return s[:i], s[i:], numeric
}

// isSeparator reports whether r is a run-of-the-mill segment delimiter:
// anything that isn't alphanumeric and isn't one of the two special
// ordering markers '~'/'^'.
func isSeparator(r rune) bool {
	return !isAlnum(r) && r != '~' && r != '^'
}

func isAlpha(r rune) bool { return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
func isAlnum(r rune) bool { return isAlpha(r) || isDigit(r) }
