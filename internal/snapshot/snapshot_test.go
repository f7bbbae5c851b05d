package snapshot

import (
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	tdnf "github.com/opentdnf/tdnf-go"
)

const twoPackageDoc = `<?xml version="1.0"?>
<metadata packages="2">
<package type="rpm"><name>foo</name><time file="100" build="100"/></package>
<package type="rpm"><name>bar</name><time file="200" build="200"/></package>
</metadata>`

func TestFilterDropsPackagesAfterCutoff(t *testing.T) {
	var out strings.Builder
	if err := Filter(strings.NewReader(twoPackageDoc), &out, 150); err != nil {
		t.Fatal(err)
	}

	type doc struct {
		Packages []struct {
			Name string `xml:"name"`
		} `xml:"package"`
	}
	var got doc
	if err := xml.Unmarshal([]byte(out.String()), &got); err != nil {
		t.Fatalf("filtered output does not re-parse: %v", err)
	}
	if len(got.Packages) != 1 || got.Packages[0].Name != "foo" {
		t.Fatalf("expected only foo to survive, got %+v", got.Packages)
	}
}

func TestFilterPassesNonPackageContentUnchanged(t *testing.T) {
	const doc = `<metadata packages="0"><!-- a comment --></metadata>`
	var out strings.Builder
	if err := Filter(strings.NewReader(doc), &out, 0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "metadata") {
		t.Fatalf("expected root element to pass through, got %q", out.String())
	}
}

func TestFilterPassesPackageWithNoTimeElement(t *testing.T) {
	const doc = `<metadata packages="1"><package><name>untimed</name></package></metadata>`
	var out strings.Builder
	if err := Filter(strings.NewReader(doc), &out, 0); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "untimed") {
		t.Fatal("package with no <time> child should pass through")
	}
}

func TestFilterEscapesCharData(t *testing.T) {
	const doc = `<metadata><package><name>a &amp; b</name><time file="1"/></package></metadata>`
	var out strings.Builder
	if err := Filter(strings.NewReader(doc), &out, 100); err != nil {
		t.Fatal(err)
	}
	type doc2 struct {
		Name string `xml:"package>name"`
	}
	var got doc2
	if err := xml.Unmarshal([]byte(out.String()), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "a & b" {
		t.Fatalf("round-tripped name = %q, want %q", got.Name, "a & b")
	}
}

func TestFilterOverflow(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<metadata><package>`)
	for i := 0; i < MaxBufferedPackageBytes; i++ {
		b.WriteString(`<x>data</x>`)
	}
	b.WriteString(`</package></metadata>`)

	var out strings.Builder
	err := Filter(strings.NewReader(b.String()), &out, 0)
	if err == nil {
		t.Fatal("expected an overflow error")
	}
	if !errors.Is(err, tdnf.ErrFilterOverflow) {
		t.Fatalf("expected ErrFilterOverflow, got %v", err)
	}
}
