package extractor

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type allowAllValidator struct{}

func (allowAllValidator) ValidDomain(context.Context, string) bool { return true }

type denyValidator struct{ denied string }

func (v denyValidator) ValidDomain(_ context.Context, domain string) bool {
	return domain != v.denied
}

func addresses(emails []Email) []string {
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = e.Address
	}
	return out
}

func TestExtractPlainAddress(t *testing.T) {
	t.Parallel()

	html := []byte(`<html><body><p>Reach us at sales@acme.com for quotes.</p></body></html>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com/contact", "Acme")

	require.Len(t, emails, 1)
	require.Equal(t, "sales@acme.com", emails[0].Address)
	require.Equal(t, "sales", emails[0].LocalPart)
	require.Equal(t, "acme.com", emails[0].Domain)
	require.Equal(t, MethodRegex, emails[0].Method)
}

// TestExtractObfuscatedBracket verifies the "user [at] domain [dot] tld"
// form is reassembled into exactly one clean address.
func TestExtractObfuscatedBracket(t *testing.T) {
	t.Parallel()

	html := []byte(`<html><body><p>Email: sales [at] acme [dot] com</p></body></html>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.Len(t, emails, 1)
	require.Equal(t, "sales@acme.com", emails[0].Address)
	require.Equal(t, MethodObfuscated, emails[0].Method)
}

func TestExtractObfuscatedParenAndSpaced(t *testing.T) {
	t.Parallel()

	html := []byte(`<p>a: sales (at) acme (dot) com</p><p>b: team @ acme . com</p>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.ElementsMatch(t, []string{"sales@acme.com", "team@acme.com"}, addresses(emails))
}

func TestExtractMailto(t *testing.T) {
	t.Parallel()

	html := []byte(`<a href="mailto:hello@acme.com?subject=Hi">contact</a>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.Len(t, emails, 1)
	require.Equal(t, "hello@acme.com", emails[0].Address)
	require.Equal(t, MethodMailto, emails[0].Method)
}

func TestExtractStructuredData(t *testing.T) {
	t.Parallel()

	html := []byte(`<html><head><script type="application/ld+json">
{"@type":"Organization","contactPoint":{"contactType":"sales","email":"orders@acme.com"}}
</script></head><body><meta itemprop="email" content="press@acme.com"></body></html>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.ElementsMatch(t, []string{"orders@acme.com", "press@acme.com"}, addresses(emails))
	for _, em := range emails {
		require.Equal(t, MethodStructured, em.Method)
	}
}

func TestExtractBase64Encoded(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString([]byte("contact me: hidden@acme.com today"))
	html := []byte(fmt.Sprintf(`<script>var e = "%s";</script>`, encoded))
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.Contains(t, addresses(emails), "hidden@acme.com")
}

func TestExtractDeduplicates(t *testing.T) {
	t.Parallel()

	html := []byte(`<p>Sales@Acme.com</p><a href="mailto:sales@acme.com">mail</a><p>sales [at] acme [dot] com</p>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.Len(t, emails, 1)
	require.Equal(t, "sales@acme.com", emails[0].Address)
}

func TestBlacklistAndFalsePositives(t *testing.T) {
	t.Parallel()

	html := []byte(`<p>bot@example.com crash@sentry.io admin@acme.com social@facebook.com real.person@acme.com</p>`)
	e := New(allowAllValidator{}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://acme.com", "")

	require.Equal(t, []string{"real.person@acme.com"}, addresses(emails))
}

func TestConfidenceScoring(t *testing.T) {
	t.Parallel()

	cases := []struct {
		local, domain, pageURL string
		want                   float64
	}{
		{"sales", "acme.com", "https://www.acme.com/contact", 1.0},
		{"sales", "other.org", "https://acme.com", 1.0},
		{"demo", "gmail.com", "https://acme.com", 0.6},
		{"sample", "other.org", "https://acme.com", 0.7},
		{"jane", "gmail.com", "https://acme.com", 0.9},
	}
	for _, tc := range cases {
		got := confidence(tc.local, tc.domain, tc.pageURL)
		require.InDelta(t, tc.want, got, 0.001, "%s@%s on %s", tc.local, tc.domain, tc.pageURL)
	}
}

func TestConfidenceClamped(t *testing.T) {
	t.Parallel()

	// Matching page host pushes the score up; it must never exceed 1.
	require.LessOrEqual(t, confidence("sales", "acme.com", "https://acme.com"), 1.0)
	require.GreaterOrEqual(t, confidence("demo", "gmail.com", "https://x.org"), 0.0)
}

func TestDomainValidatorGate(t *testing.T) {
	t.Parallel()

	html := []byte(`<p>a@goodcorp.com b@deadcorp.com</p>`)
	e := New(denyValidator{denied: "deadcorp.com"}, zap.NewNop())
	emails := e.Extract(context.Background(), html, "https://goodcorp.com", "")

	byAddr := map[string]Email{}
	for _, em := range emails {
		byAddr[em.Address] = em
	}
	require.True(t, byAddr["a@goodcorp.com"].DomainValid)
	require.False(t, byAddr["b@deadcorp.com"].DomainValid)
}

func TestContextAround(t *testing.T) {
	t.Parallel()

	html := []byte(`<div><strong>Sales team:</strong> write to sales@acme.com any time.</div>`)
	ctx := contextAround("sales@acme.com", html)

	require.Contains(t, ctx, "sales@acme.com")
	require.Contains(t, ctx, "Sales team")
	require.NotContains(t, ctx, "<strong>")
}

func TestStatsAccumulateAndReset(t *testing.T) {
	t.Parallel()

	e := New(allowAllValidator{}, zap.NewNop())
	e.Extract(context.Background(), []byte(`<p>one@acme.com</p>`), "https://acme.com", "")
	e.Extract(context.Background(), []byte(`<p>nothing here</p>`), "https://acme.com", "")

	stats := e.Stats()
	require.Equal(t, int64(2), stats.TotalProcessed)
	require.Equal(t, int64(1), stats.EmailsFound)
	require.Equal(t, int64(1), stats.ValidEmails)

	e.ResetStats()
	require.Equal(t, Stats{}, e.Stats())
}
