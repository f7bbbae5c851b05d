package fetch

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// joinURL appends path segments to base's path, leaving base's query and
// host untouched. Falls back to a naive string join if base doesn't parse
// (callers have already validated it during resolveBaseURL).
func joinURL(base string, segments ...string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + path.Join(segments...)
	}
	u.Path = path.Join(append([]string{u.Path}, segments...)...)
	return u.String()
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func hasSuffix(s, suffix string) bool { return strings.HasSuffix(s, suffix) }

func openFile(p string) (*os.File, error) { return os.Open(p) }

func trimCompressionSuffix(u string) string {
	for _, suf := range []string{".gz", ".xz", ".bz2", ".zst"} {
		if strings.HasSuffix(u, suf) {
			return strings.TrimSuffix(u, suf)
		}
	}
	return u
}

func statMtime(p string) (time.Time, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// closeBoth wraps a decompressing Reader (a, optional) and the underlying
// file handle (b, always present), closing both on Close.
type closeBoth struct {
	io.Reader
	a io.Closer
	b io.Closer
}

func (c *closeBoth) Close() error {
	var err error
	if c.a != nil {
		err = c.a.Close()
	}
	if cerr := c.b.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
