package pool

import (
	"encoding/xml"
	"io"

	tdnf "github.com/opentdnf/tdnf-go"
)

// The following mirror the subset of createrepo's primary.xml schema this
// module needs. No pack example carries a primary.xml decoder (the
// teacher's updater/repomd package only decodes the sibling
// updateinfo.xml), so these structs are written directly against the
// format rather than adapted from existing Go source; the decode-into-a-
// small-struct *approach* is grounded on updater/repomd.Updates and
// aws.Client.RepoMD (see internal/fetch/repomd.go).
type xmlMetadata struct {
	XMLName  xml.Name     `xml:"metadata"`
	Packages []xmlPackage `xml:"package"`
}

type xmlPackage struct {
	Name     string      `xml:"name"`
	Arch     string      `xml:"arch"`
	Version  xmlVersion  `xml:"version"`
	Checksum string      `xml:"checksum"`
	Summary  string      `xml:"summary"`
	Descr    string      `xml:"description"`
	URL      string      `xml:"url"`
	Time     xmlTime     `xml:"time"`
	Size     xmlSize     `xml:"size"`
	Location xmlLocation `xml:"location"`
	Format   xmlFormat   `xml:"format"`
}

type xmlVersion struct {
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

type xmlTime struct {
	File  int64 `xml:"file,attr"`
	Build int64 `xml:"build,attr"`
}

type xmlSize struct {
	Package   int64 `xml:"package,attr"`
	Installed int64 `xml:"installed,attr"`
	Archive   int64 `xml:"archive,attr"`
}

type xmlLocation struct {
	Href string `xml:"href,attr"`
}

type xmlFormat struct {
	License   string     `xml:"license"`
	SourceRPM string     `xml:"sourcerpm"`
	Provides  []xmlEntry `xml:"provides>entry"`
	Requires  []xmlEntry `xml:"requires>entry"`
	Conflicts []xmlEntry `xml:"conflicts>entry"`
	Obsoletes []xmlEntry `xml:"obsoletes>entry"`
	Files     []string   `xml:"file"`
}

type xmlEntry struct {
	Name  string `xml:"name,attr"`
	Flags string `xml:"flags,attr"`
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
	Pre   string `xml:"pre,attr"` // "1" marks a Requires(pre) entry
}

// decodePrimary parses a primary.xml document (already decompressed and
// optionally snapshot-filtered) into repoID-tagged Packages.
func decodePrimary(r io.Reader, repoID string) ([]tdnf.Package, error) {
	var md xmlMetadata
	if err := xml.NewDecoder(r).Decode(&md); err != nil {
		return nil, &tdnf.Error{Kind: tdnf.ErrIO, Op: "pool.decodePrimary", Inner: err, Message: "primary.xml"}
	}
	out := make([]tdnf.Package, 0, len(md.Packages))
	for _, xp := range md.Packages {
		out = append(out, toPackage(repoID, xp))
	}
	return out, nil
}

func toPackage(repoID string, xp xmlPackage) tdnf.Package {
	epoch := xp.Version.Epoch
	if epoch == "" {
		epoch = "0"
	}
	p := tdnf.Package{
		NEVRA: tdnf.NEVRA{
			Name:    xp.Name,
			Epoch:   epoch,
			Version: xp.Version.Ver,
			Release: xp.Version.Rel,
			Arch:    xp.Arch,
		},
		RepoID:       repoID,
		InstallSize:  xp.Size.Installed,
		DownloadSize: xp.Size.Package,
		Summary:      xp.Summary,
		Description:  xp.Descr,
		URL:          xp.URL,
		License:      xp.Format.License,
		Files:        xp.Format.Files,
		SourceNEVRA:  xp.Format.SourceRPM,
		ChecksumType: "sha256",
		Location:     xp.Location.Href,
	}
	p.Provides = toDeps(xp.Format.Provides)
	p.Conflicts = toDeps(xp.Format.Conflicts)
	p.Obsoletes = toDeps(xp.Format.Obsoletes)
	for _, e := range xp.Format.Requires {
		d := toDep(e)
		if e.Pre == "1" {
			p.RequiresPre = append(p.RequiresPre, d)
		} else {
			p.Requires = append(p.Requires, d)
		}
	}
	return p
}

func toDeps(entries []xmlEntry) []tdnf.Dependency {
	if len(entries) == 0 {
		return nil
	}
	out := make([]tdnf.Dependency, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDep(e))
	}
	return out
}

func toDep(e xmlEntry) tdnf.Dependency {
	epoch := e.Epoch
	if epoch == "" {
		epoch = "0"
	}
	return tdnf.Dependency{
		Name:     e.Name,
		Relation: parseFlags(e.Flags),
		EVR:      tdnf.NEVRA{Epoch: epoch, Version: e.Ver, Release: e.Rel},
	}
}

func parseFlags(f string) tdnf.DependencyRelation {
	switch f {
	case "LT":
		return tdnf.RelLT
	case "LE":
		return tdnf.RelLE
	case "EQ":
		return tdnf.RelEQ
	case "GE":
		return tdnf.RelGE
	case "GT":
		return tdnf.RelGT
	default:
		return tdnf.RelNone
	}
}
