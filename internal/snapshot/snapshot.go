// Package snapshot implements the Snapshot Filter (component C6): a
// streaming transform of a primary.xml document that drops <package>
// elements published after a cutoff, applied between download (C5) and
// pool loading (C7) when a repo's snapshot option is configured.
//
// Grounded on encoding/xml's token-stream Decoder/Encoder pair, which is
// the idiomatic Go way to reshape an XML document without holding the
// whole DOM in memory or hand-rolling escaping (no pack example implements
// this exact transform; the teacher's own XML handling, e.g.
// updater/repomd's struct-decode pattern, only consumes documents fully,
// so this package is built directly against the standard library's
// streaming XML primitives instead).
package snapshot

import (
	"encoding/xml"
	"io"
	"strconv"

	tdnf "github.com/opentdnf/tdnf-go"
)

// MaxBufferedPackageBytes bounds how much of a single <package> element
// the filter will hold in memory while looking for its <time file="..">
// child. A well-formed primary.xml package entry is a few kilobytes;
// anything past this ceiling is treated as malformed input.
const MaxBufferedPackageBytes = 1 << 20 // 1 MiB

// Filter reads an XML document from r and writes it to w, dropping every
// <package> element whose <time file="NNN"> attribute exceeds cutoff.
// Non-package content at any depth passes through unchanged. A package
// element with no <time> child is passed through (there is nothing to
// compare against the cutoff).
func Filter(r io.Reader, w io.Writer, cutoff int64) error {
	dec := xml.NewDecoder(r)
	enc := xml.NewEncoder(w)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &tdnf.Error{Kind: tdnf.ErrIO, Op: "snapshot.Filter", Inner: err}
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "package" {
			if err := enc.EncodeToken(tok); err != nil {
				return &tdnf.Error{Kind: tdnf.ErrIO, Op: "snapshot.Filter", Inner: err}
			}
			continue
		}

		buf, emit, err := bufferPackage(dec, start, cutoff)
		if err != nil {
			return err
		}
		if !emit {
			continue
		}
		for _, t := range buf {
			if err := enc.EncodeToken(t); err != nil {
				return &tdnf.Error{Kind: tdnf.ErrIO, Op: "snapshot.Filter", Inner: err}
			}
		}
	}
	if err := enc.Flush(); err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "snapshot.Filter", Inner: err}
	}
	return nil
}

// bufferPackage consumes tokens through the matching </package>, tracking
// the running encoded size against MaxBufferedPackageBytes, and decides
// whether the element should be emitted based on any <time file="NNN">
// child found.
func bufferPackage(dec *xml.Decoder, start xml.StartElement, cutoff int64) ([]xml.Token, bool, error) {
	buf := []xml.Token{xml.CopyToken(start)}
	size := tokenSize(start)
	emit := true
	depth := 1

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, false, &tdnf.Error{Kind: tdnf.ErrIO, Op: "snapshot.bufferPackage", Inner: err, Message: "unterminated <package>"}
		}
		size += tokenSize(tok)
		if size > MaxBufferedPackageBytes {
			return nil, false, &tdnf.Error{Kind: tdnf.ErrCache, Op: "snapshot.bufferPackage", Inner: tdnf.ErrFilterOverflow}
		}
		buf = append(buf, xml.CopyToken(tok))

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == "time" {
				if v := attrValue(t, "file"); v != "" {
					if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > cutoff {
						emit = false
					}
				}
			}
		case xml.EndElement:
			depth--
		}
	}
	return buf, emit, nil
}

func attrValue(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// tokenSize approximates the encoded size of a token, enough to enforce a
// meaningful ceiling without re-serializing it.
func tokenSize(tok xml.Token) int {
	switch t := tok.(type) {
	case xml.StartElement:
		n := len(t.Name.Local) * 2
		for _, a := range t.Attr {
			n += len(a.Name.Local) + len(a.Value) + 4
		}
		return n
	case xml.EndElement:
		return len(t.Name.Local) + 3
	case xml.CharData:
		return len(t)
	case xml.Comment:
		return len(t)
	default:
		return 16
	}
}
