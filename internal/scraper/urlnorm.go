package scraper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

// NormalizedURL is the canonical form of an input URL together with the
// derived fields persisted alongside it.
type NormalizedURL struct {
	URL      string
	Hash     string
	Domain   string
	Priority int
}

// normalizeChunkSize bounds how many URLs are normalized per slice when
// batching, keeping peak memory flat on very large jobs.
const normalizeChunkSize = 1000

// Tracking query parameters stripped during normalization. Their
// presence or absence never distinguishes two URLs.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"msclkid":      {},
	"mc_eid":       {},
}

// Hosts that are never fetched. Social networks yield no extractable
// contact emails, and loopback/private ranges are blocked to prevent
// requests into internal infrastructure.
var blockedHostSuffixes = []string{
	"facebook.com",
	"twitter.com",
	"instagram.com",
	"linkedin.com",
	"youtube.com",
}

// Path segments that mark a page likely to carry contact details.
var contactPathHints = []string{"/contact", "/about", "/team", "/staff", "/directory"}

// Binary file extensions that are fetchable but near-useless for
// email extraction. They sort last within a job.
var lowValueExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".pdf":  {},
	".doc":  {},
	".zip":  {},
}

// Normalize canonicalizes a raw URL: it supplies a missing https scheme,
// lowercases the host, strips the fragment and tracking parameters, and
// rejects non-HTTP schemes and blocked hosts. The returned hash is the
// SHA-256 of the canonical string and is stable across equivalent inputs.
func Normalize(raw string) (NormalizedURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NormalizedURL{}, fmt.Errorf("normalize: empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return NormalizedURL{}, fmt.Errorf("normalize %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NormalizedURL{}, fmt.Errorf("normalize %q: unsupported scheme %q", raw, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return NormalizedURL{}, fmt.Errorf("normalize %q: missing host", raw)
	}
	if err := checkHost(host); err != nil {
		return NormalizedURL{}, fmt.Errorf("normalize %q: %w", raw, err)
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for param := range trackingParams {
			q.Del(param)
		}
		u.RawQuery = q.Encode()
	}

	canonical := u.String()
	sum := sha256.Sum256([]byte(canonical))

	return NormalizedURL{
		URL:      canonical,
		Hash:     hex.EncodeToString(sum[:]),
		Domain:   host,
		Priority: priorityFor(u),
	}, nil
}

// NormalizeBatch normalizes every input, drops invalid entries, and
// de-duplicates by canonical hash, preserving first-seen order. The
// returned count of skipped inputs covers both invalid and duplicate URLs.
func NormalizeBatch(raws []string) (out []NormalizedURL, skipped int) {
	seen := make(map[string]struct{}, len(raws))
	for start := 0; start < len(raws); start += normalizeChunkSize {
		end := start + normalizeChunkSize
		if end > len(raws) {
			end = len(raws)
		}
		for _, raw := range raws[start:end] {
			n, err := Normalize(raw)
			if err != nil {
				skipped++
				continue
			}
			if _, dup := seen[n.Hash]; dup {
				skipped++
				continue
			}
			seen[n.Hash] = struct{}{}
			out = append(out, n)
		}
	}
	return out, skipped
}

// checkHost rejects loopback addresses, private IP ranges, and blocked
// domains (including their subdomains).
func checkHost(host string) error {
	if host == "localhost" {
		return fmt.Errorf("blocked host %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() {
			return fmt.Errorf("blocked address %q", host)
		}
	}
	for _, suffix := range blockedHostSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return fmt.Errorf("blocked host %q", host)
		}
	}
	return nil
}

// priorityFor ranks a URL for claim ordering. Lower sorts first: root
// pages at 1, contact-style pages at 2, binary assets at 9, everything
// else at 5.
func priorityFor(u *url.URL) int {
	p := strings.ToLower(u.Path)
	if p == "" || p == "/" {
		return 1
	}
	if _, low := lowValueExtensions[path.Ext(p)]; low {
		return 9
	}
	for _, hint := range contactPathHints {
		if strings.Contains(p, hint) {
			return 2
		}
	}
	return 5
}
