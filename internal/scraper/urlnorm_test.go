package scraper

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNormalizeCanonicalForm verifies scheme defaulting, host lowering,
// fragment removal, and tracking parameter stripping all land on one
// canonical string with one hash.
func TestNormalizeCanonicalForm(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Example.com/About?utm_source=news&utm_campaign=x",
		"https://example.com/About#team",
		"https://EXAMPLE.com/About?gclid=abc123",
	}

	var hashes []string
	for _, in := range inputs {
		n, err := Normalize(in)
		require.NoError(t, err)
		require.Equal(t, "https://example.com/About", n.URL)
		require.Equal(t, "example.com", n.Domain)
		hashes = append(hashes, n.Hash)
	}
	require.Equal(t, hashes[0], hashes[1])
	require.Equal(t, hashes[1], hashes[2])
}

func TestNormalizeKeepsMeaningfulQuery(t *testing.T) {
	t.Parallel()

	n, err := Normalize("https://example.com/search?q=widgets&utm_medium=cpc")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/search?q=widgets", n.URL)
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"ftp://example.com/files",
		"javascript:alert(1)",
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://192.168.1.10/router",
		"http://10.0.0.5/",
		"http://172.20.1.1/",
		"https://www.facebook.com/somepage",
		"https://linkedin.com/in/someone",
	}
	for _, in := range cases {
		_, err := Normalize(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"https://example.com":                  1,
		"https://example.com/":                 1,
		"https://example.com/contact":          2,
		"https://example.com/about-us":         2,
		"https://example.com/team/leadership":  2,
		"https://example.com/staff":            2,
		"https://example.com/directory":        2,
		"https://example.com/brochure.pdf":     9,
		"https://example.com/img/logo.PNG":     9,
		"https://example.com/files/archive.zip": 9,
		"https://example.com/products":         5,
	}
	for in, want := range cases {
		n, err := Normalize(in)
		require.NoError(t, err)
		require.Equal(t, want, n.Priority, "input %q", in)
	}
}

// TestNormalizeBatchDeduplicates covers submission behavior: duplicate
// and invalid entries are skipped while first-seen order is preserved.
func TestNormalizeBatchDeduplicates(t *testing.T) {
	t.Parallel()

	out, skipped := NormalizeBatch([]string{
		"https://example.com/contact",
		"example.com/contact?utm_source=mail",
		"not a url ://",
		"https://other.org/",
		"ftp://example.com/x",
	})
	require.Len(t, out, 2)
	require.Equal(t, 3, skipped)
	require.Equal(t, "https://example.com/contact", out[0].URL)
	require.Equal(t, "https://other.org/", out[1].URL)
}
