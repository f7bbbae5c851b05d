package tdnf

import (
	"fmt"
	"strings"

	"github.com/opentdnf/tdnf-go/internal/rpmver"
)

// NEVRA is the canonical package identity: name, epoch, version, release,
// architecture.
type NEVRA struct {
	Name    string
	Epoch   string // "0" when unset, never empty
	Version string
	Release string
	Arch    string
}

// String renders the NEVRA in "name-epoch:version-release.arch" form,
// omitting the epoch when it is "0" (the convention used throughout RPM
// tooling output).
func (n NEVRA) String() string {
	var b strings.Builder
	b.WriteString(n.Name)
	b.WriteByte('-')
	if n.Epoch != "" && n.Epoch != "0" {
		b.WriteString(n.Epoch)
		b.WriteByte(':')
	}
	b.WriteString(n.Version)
	b.WriteByte('-')
	b.WriteString(n.Release)
	if n.Arch != "" {
		b.WriteByte('.')
		b.WriteString(n.Arch)
	}
	return b.String()
}

// EVR renders just the epoch:version-release portion.
func (n NEVRA) EVR() string {
	v := rpmver.Version{Epoch: n.Epoch, Version: n.Version, Release: n.Release}
	return v.EVR()
}

// ParseNEVRA parses a "name-epoch:version-release.arch" string, tolerating a
// missing epoch (defaults to "0") and a missing architecture.
func ParseNEVRA(s string) (NEVRA, error) {
	v, err := rpmver.Parse(s)
	if err != nil {
		return NEVRA{}, fmt.Errorf("tdnf: parse nevra %q: %w", s, err)
	}
	n := NEVRA{
		Epoch:   v.Epoch,
		Version: v.Version,
		Release: v.Release,
	}
	if v.Name != nil {
		n.Name = *v.Name
	}
	if v.Architecture != nil {
		n.Arch = *v.Architecture
	}
	return n, nil
}

// CompareEVR orders two NEVRAs by epoch, then version, then release, per RPM
// version-comparison rules. It does not compare name or architecture; use
// [CompareNEVRA] when those should also factor in.
func CompareEVR(a, b NEVRA) int {
	av := rpmver.Version{Epoch: a.Epoch, Version: a.Version, Release: a.Release}
	bv := rpmver.Version{Epoch: b.Epoch, Version: b.Version, Release: b.Release}
	return rpmver.Compare(&av, &bv)
}

// CompareNEVRA orders two NEVRAs by name, then EVR, then architecture.
func CompareNEVRA(a, b NEVRA) int {
	av := rpmver.Version{Name: &a.Name, Epoch: a.Epoch, Version: a.Version, Release: a.Release, Architecture: &a.Arch}
	bv := rpmver.Version{Name: &b.Name, Epoch: b.Epoch, Version: b.Version, Release: b.Release, Architecture: &b.Arch}
	return rpmver.Compare(&av, &bv)
}

// SameNameArch reports whether a and b identify the same (name, arch) pair,
// the key the Transaction Classifier uses to decide install vs. upgrade vs.
// downgrade vs. reinstall.
func SameNameArch(a, b NEVRA) bool {
	return a.Name == b.Name && a.Arch == b.Arch
}

// DependencyRelation is the comparison operator in a versioned dependency,
// e.g. the "<" in "Requires: foo < 2".
type DependencyRelation int

const (
	RelNone DependencyRelation = iota
	RelLT
	RelLE
	RelEQ
	RelGE
	RelGT
)

// Dependency is a capability reference: a bare name, a file path, a soname,
// or a versioned package/virtual-provide relation.
type Dependency struct {
	Name     string
	Relation DependencyRelation
	EVR      NEVRA // only Epoch/Version/Release are meaningful here
}

// Satisfies reports whether the candidate NEVRA satisfies this dependency,
// assuming Name already matches one of the candidate's Provides entries.
func (d Dependency) Satisfies(candidate NEVRA) bool {
	if d.Relation == RelNone {
		return true
	}
	c := CompareEVR(candidate, d.EVR)
	switch d.Relation {
	case RelLT:
		return c < 0
	case RelLE:
		return c <= 0
	case RelEQ:
		return c == 0
	case RelGE:
		return c >= 0
	case RelGT:
		return c > 0
	default:
		return false
	}
}

func (d Dependency) String() string {
	if d.Relation == RelNone {
		return d.Name
	}
	ops := map[DependencyRelation]string{RelLT: "<", RelLE: "<=", RelEQ: "=", RelGE: ">=", RelGT: ">"}
	return fmt.Sprintf("%s %s %s", d.Name, ops[d.Relation], d.EVR.EVR())
}
