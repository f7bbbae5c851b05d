package fetch

import "encoding/xml"

// Repomd mirrors the handful of repomd.xml fields the fetcher needs: the
// list of <data type="..."> entries naming the artifacts a repo publishes.
// Grounded on the shape of quay-claircore's updater/repomd package (which
// parses the sibling updateinfo.xml into a similarly thin struct) and the
// aws/alas.RepoMD client pattern of decoding repomd-style XML directly into
// a small Go struct rather than a general-purpose DOM.
type Repomd struct {
	XMLName xml.Name     `xml:"repomd"`
	Data    []RepomdData `xml:"data"`
}

// RepomdData is one <data> entry: the artifact's type (primary, filelists,
// updateinfo, other, ...), its location relative to the repo base URL, and
// the checksum the fetcher must verify the download against.
type RepomdData struct {
	Type         string    `xml:"type,attr"`
	Checksum     Checksum  `xml:"checksum"`
	OpenChecksum *Checksum `xml:"open-checksum"`
	Location     Location  `xml:"location"`
	Timestamp    int64     `xml:"timestamp"`
	Size         int64     `xml:"size"`
}

// Checksum is a <checksum type="sha256">hex</checksum> or
// <open-checksum>, the latter covering the decompressed artifact.
type Checksum struct {
	Type string `xml:"type,attr"`
	Hex  string `xml:",chardata"`
}

// Location is the <location href="..."/> element, relative to the repo's
// base URL.
type Location struct {
	Href string `xml:"href,attr"`
}

// find returns the first RepomdData of the given type, or nil.
func (r *Repomd) find(typ string) *RepomdData {
	for i := range r.Data {
		if r.Data[i].Type == typ {
			return &r.Data[i]
		}
	}
	return nil
}
