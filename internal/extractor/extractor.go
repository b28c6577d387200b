// Package extractor finds email addresses in page content using layered
// detection methods and scores each hit for likely validity.
package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Extraction methods recorded with each email.
const (
	MethodRegex      = "regex"
	MethodMailto     = "mailto"
	MethodHTML       = "html_structure"
	MethodObfuscated = "obfuscated"
	MethodStructured = "structured_data"
)

// Email is a validated extraction result.
type Email struct {
	Address     string  `json:"email"`
	Domain      string  `json:"domain"`
	LocalPart   string  `json:"local_part"`
	DomainValid bool    `json:"domain_valid"`
	Confidence  float64 `json:"confidence_score"`
	Method      string  `json:"extraction_method"`
	Context     string  `json:"context_text,omitempty"`
	PageTitle   string  `json:"page_title,omitempty"`
}

// DomainValidator checks whether a domain can plausibly receive mail.
type DomainValidator interface {
	ValidDomain(ctx context.Context, domain string) bool
}

// Stats tracks extractor throughput across pages. Counters accumulate
// until Reset.
type Stats struct {
	TotalProcessed int64         `json:"total_processed"`
	EmailsFound    int64         `json:"emails_found"`
	ValidEmails    int64         `json:"valid_emails"`
	ExtractionTime time.Duration `json:"extraction_time"`
	ValidationTime time.Duration `json:"validation_time"`
}

var (
	// Matches a plain address in free text.
	standardPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	// Anchored variant for whole-string format validation.
	formatPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	// user [at] domain [dot] tld
	bracketPattern = regexp.MustCompile(`(?i)([A-Za-z0-9._%+-]+)\s*\[\s*at\s*\]\s*([A-Za-z0-9.-]+)\s*\[\s*dot\s*\]\s*([A-Za-z]{2,})`)
	// user (at) domain (dot) tld
	parenPattern = regexp.MustCompile(`(?i)([A-Za-z0-9._%+-]+)\s*\(\s*at\s*\)\s*([A-Za-z0-9.-]+)\s*\(\s*dot\s*\)\s*([A-Za-z]{2,})`)
	// user @ domain . tld with stray spacing
	spacedPattern = regexp.MustCompile(`\b([A-Za-z0-9._%+-]+)\s*@\s*([A-Za-z0-9.-]+)\s*\.\s*([A-Za-z]{2,})\b`)
	// Addresses quoted inside script literals.
	quotedPattern = regexp.MustCompile(`['"]([A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})['"]`)
	// Candidate base64 fragments worth decoding.
	base64Pattern = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	// Tighter pattern used on ROT13-decoded text to limit noise.
	rot13Pattern = regexp.MustCompile(`[A-Za-z0-9._%+-]{5,}@[A-Za-z0-9.-]{3,}\.[A-Za-z]{2,}`)

	cleanPattern = regexp.MustCompile(`[^\w@.\-]`)
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// Domains whose addresses are never worth keeping.
var blacklistedDomains = map[string]struct{}{
	"example.com":    {},
	"test.com":       {},
	"localhost.com":  {},
	"your-email.com": {},
	"email.com":      {},
	"noreply.com":    {},
	"no-reply.com":   {},
}

// Addresses matching any of these are discarded as false positives:
// error trackers, social networks, big platform domains, and role accounts.
var falsePositivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`@(sentry\.io|bugsnag\.com|raygun\.com)$`),
	regexp.MustCompile(`@(facebook\.com|twitter\.com|linkedin\.com|youtube\.com)$`),
	regexp.MustCompile(`@(google\.com|microsoft\.com|apple\.com|amazon\.com)$`),
	regexp.MustCompile(`^(admin|info|support|noreply|no-reply|postmaster|webmaster)@`),
}

var fakeLocalParts = map[string]struct{}{
	"admin":   {},
	"test":    {},
	"demo":    {},
	"example": {},
	"sample":  {},
}

var freemailDomains = map[string]struct{}{
	"gmail.com":   {},
	"yahoo.com":   {},
	"hotmail.com": {},
}

// Extractor runs the detection pipeline. Safe for concurrent use.
type Extractor struct {
	validator DomainValidator
	log       *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New builds an Extractor. The validator may be nil, in which case every
// domain is treated as deliverable.
func New(validator DomainValidator, log *zap.Logger) *Extractor {
	return &Extractor{validator: validator, log: log}
}

type candidate struct {
	address string
	method  string
}

// Extract runs every detection method over the page, de-duplicates, and
// returns validated addresses with confidence scores and context.
func (e *Extractor) Extract(ctx context.Context, html []byte, pageURL, pageTitle string) []Email {
	start := time.Now()

	// Specific detectors run before the generic regex sweep so the
	// first-seen method recorded for an address is the most precise one.
	var candidates []candidate
	candidates = append(candidates, e.extractFromHTML(html)...)
	candidates = append(candidates, e.extractStructured(html)...)
	candidates = append(candidates, e.extractWithRegex(html)...)
	candidates = append(candidates, e.extractObfuscated(html)...)

	unique := dedupe(candidates)
	extractionTime := time.Since(start)

	validationStart := time.Now()
	var results []Email
	for _, c := range unique {
		email, ok := e.validate(ctx, c, html, pageURL, pageTitle)
		if !ok {
			continue
		}
		results = append(results, email)
	}
	validationTime := time.Since(validationStart)

	e.mu.Lock()
	e.stats.TotalProcessed++
	e.stats.EmailsFound += int64(len(unique))
	e.stats.ValidEmails += int64(len(results))
	e.stats.ExtractionTime += extractionTime
	e.stats.ValidationTime += validationTime
	e.mu.Unlock()

	return results
}

// Stats returns a snapshot of accumulated counters.
func (e *Extractor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ResetStats zeroes the accumulated counters.
func (e *Extractor) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = Stats{}
}

func (e *Extractor) extractWithRegex(html []byte) []candidate {
	var out []candidate
	for _, m := range standardPattern.FindAll(html, -1) {
		out = append(out, candidate{address: string(m), method: MethodRegex})
	}
	for _, m := range spacedPattern.FindAllSubmatch(html, -1) {
		addr := string(m[1]) + "@" + string(m[2]) + "." + string(m[3])
		out = append(out, candidate{address: addr, method: MethodRegex})
	}
	return out
}

// extractFromHTML walks the parsed document: mailto anchors, then text
// inside containers that conventionally hold contact details.
func (e *Extractor) extractFromHTML(html []byte) []candidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		e.log.Debug("html parse failed", zap.Error(err))
		return nil
	}

	var out []candidate
	doc.Find(`a[href^="mailto:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if addr != "" {
			out = append(out, candidate{address: addr, method: MethodMailto})
		}
	})

	containers := []string{
		`span[class*="email"]`,
		`div[class*="email"]`,
		`div[class*="contact"]`,
		`footer`,
		`#contact`,
		`[class*="contact-info"]`,
	}
	for _, sel := range containers {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			for _, m := range standardPattern.FindAllString(s.Text(), -1) {
				out = append(out, candidate{address: m, method: MethodHTML})
			}
		})
	}
	return out
}

func (e *Extractor) extractObfuscated(html []byte) []candidate {
	var out []candidate

	for _, pattern := range []*regexp.Regexp{bracketPattern, parenPattern} {
		for _, m := range pattern.FindAllSubmatch(html, -1) {
			addr := string(m[1]) + "@" + string(m[2]) + "." + string(m[3])
			out = append(out, candidate{address: addr, method: MethodObfuscated})
		}
	}

	for _, m := range quotedPattern.FindAllSubmatch(html, -1) {
		out = append(out, candidate{address: string(m[1]), method: MethodObfuscated})
	}

	// ROT13 sweep. The decoded text is mostly garbage, so the tighter
	// pattern plus format validation keeps the noise out.
	decoded := rot13(string(html))
	for _, m := range rot13Pattern.FindAllString(decoded, -1) {
		if formatPattern.MatchString(m) {
			out = append(out, candidate{address: m, method: MethodObfuscated})
		}
	}

	for _, frag := range base64Pattern.FindAll(html, -1) {
		raw, err := base64.StdEncoding.DecodeString(string(frag))
		if err != nil {
			continue
		}
		for _, m := range standardPattern.FindAll(raw, -1) {
			out = append(out, candidate{address: string(m), method: MethodObfuscated})
		}
	}
	return out
}

// extractStructured pulls addresses out of JSON-LD blocks and microdata
// itemprop="email" attributes.
func (e *Extractor) extractStructured(html []byte) []candidate {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	var out []candidate
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return
		}
		walkStructured(data, &out)
	})

	doc.Find(`[itemprop="email"]`).Each(func(_ int, s *goquery.Selection) {
		if content, ok := s.Attr("content"); ok && content != "" {
			out = append(out, candidate{address: content, method: MethodStructured})
		}
	})
	return out
}

// walkStructured recurses through decoded JSON, collecting values whose
// key mentions "email".
func walkStructured(data any, out *[]candidate) {
	switch v := data.(type) {
	case map[string]any:
		for key, value := range v {
			if strings.Contains(strings.ToLower(key), "email") {
				if s, ok := value.(string); ok && formatPattern.MatchString(s) {
					*out = append(*out, candidate{address: s, method: MethodStructured})
					continue
				}
			}
			walkStructured(value, out)
		}
	case []any:
		for _, item := range v {
			walkStructured(item, out)
		}
	}
}

// dedupe lowercases, strips stray characters, and drops exact duplicates
// while preserving first-seen order. The first method to find an address
// is the one recorded for it.
func dedupe(candidates []candidate) []candidate {
	seen := make(map[string]struct{}, len(candidates))
	var out []candidate
	for _, c := range candidates {
		addr := cleanPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(c.address)), "")
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, candidate{address: addr, method: c.method})
	}
	return out
}

func (e *Extractor) validate(ctx context.Context, c candidate, html []byte, pageURL, pageTitle string) (Email, bool) {
	addr := c.address
	if !ValidFormat(addr) {
		return Email{}, false
	}

	at := strings.LastIndexByte(addr, '@')
	local, domain := addr[:at], addr[at+1:]

	domainValid := true
	if e.validator != nil {
		domainValid = e.validator.ValidDomain(ctx, domain)
	}

	return Email{
		Address:     addr,
		Domain:      domain,
		LocalPart:   local,
		DomainValid: domainValid,
		Confidence:  confidence(local, domain, pageURL),
		Method:      c.method,
		Context:     contextAround(addr, html),
		PageTitle:   pageTitle,
	}, true
}

// ValidFormat reports whether an address is well formed and not a known
// blacklisted domain or false-positive pattern.
func ValidFormat(addr string) bool {
	if !formatPattern.MatchString(addr) {
		return false
	}
	at := strings.LastIndexByte(addr, '@')
	domain := strings.ToLower(addr[at+1:])
	if _, blocked := blacklistedDomains[domain]; blocked {
		return false
	}
	lower := strings.ToLower(addr)
	for _, pattern := range falsePositivePatterns {
		if pattern.MatchString(lower) {
			return false
		}
	}
	return true
}

// confidence scores an address from 0 to 1. Generic local parts and
// freemail domains lower it; a domain matching the page's host raises it.
func confidence(local, domain, pageURL string) float64 {
	score := 1.0
	if _, fake := fakeLocalParts[local]; fake {
		score -= 0.3
	}
	if _, free := freemailDomains[domain]; free {
		score -= 0.1
	}
	if u, err := url.Parse(pageURL); err == nil {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if host != "" && strings.Contains(domain, host) {
			score += 0.2
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// contextAround returns roughly 200 characters of cleaned text
// surrounding the address's first occurrence in the page.
func contextAround(addr string, html []byte) string {
	lower := bytes.ToLower(html)
	pos := bytes.Index(lower, []byte(addr))
	if pos < 0 {
		return ""
	}
	start := pos - 100
	if start < 0 {
		start = 0
	}
	end := pos + len(addr) + 100
	if end > len(html) {
		end = len(html)
	}
	snippet := tagPattern.ReplaceAllString(string(html[start:end]), " ")
	return strings.TrimSpace(spacePattern.ReplaceAllString(snippet, " "))
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		default:
			return r
		}
	}, s)
}
