// Package dnsvalidator checks whether email domains resolve, with
// layered in-process and persistent caching.
package dnsvalidator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one cached validation outcome. CheckCount counts how many
// times the domain has been re-validated after cache expiry.
type Record struct {
	Domain     string
	DomainHash string
	HasMX      bool
	HasA       bool
	Valid      bool
	Error      string
	CheckedAt  time.Time
	CheckCount int
}

// Store is the persistent cache shared across processes. Lookups older
// than notBefore must not be returned.
type Store interface {
	DomainValidation(ctx context.Context, domainHash string, notBefore time.Time) (Record, error)
	SaveDomainValidation(ctx context.Context, rec Record) error
}

// ErrNotCached is returned by Store implementations on a cache miss.
var ErrNotCached = errors.New("dnsvalidator: domain not cached")

// Resolver is the subset of net.Resolver used for validation.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configures a Validator.
type Options struct {
	// Enabled toggles DNS lookups. When false every domain validates.
	Enabled bool
	// TTL bounds how long a cached verdict stays fresh.
	TTL time.Duration
	// Resolver overrides the default resolver, mainly for tests.
	Resolver Resolver
}

type localEntry struct {
	valid     bool
	expiresAt time.Time
}

// Validator resolves MX and A records for domains. A domain is
// deliverable when either record type exists. Safe for concurrent use.
type Validator struct {
	enabled  bool
	ttl      time.Duration
	resolver Resolver
	store    Store
	log      *zap.Logger

	mu    sync.Mutex
	local map[string]localEntry
}

// New builds a Validator. The store may be nil to run with only the
// in-process cache.
func New(opts Options, store Store, log *zap.Logger) *Validator {
	res := opts.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Validator{
		enabled:  opts.Enabled,
		ttl:      ttl,
		resolver: res,
		store:    store,
		log:      log,
		local:    make(map[string]localEntry),
	}
}

// Hash returns the cache key for a domain.
func Hash(domain string) string {
	sum := sha256.Sum256([]byte(domain))
	return hex.EncodeToString(sum[:])
}

// ValidDomain reports whether the domain can plausibly receive mail.
// Cache layers are consulted in order: in-process, persistent store,
// then live DNS. Store failures degrade to live lookups.
func (v *Validator) ValidDomain(ctx context.Context, domain string) bool {
	if !v.enabled {
		return true
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	hash := Hash(domain)
	now := time.Now()

	v.mu.Lock()
	if entry, ok := v.local[hash]; ok && now.Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.valid
	}
	v.mu.Unlock()

	if v.store != nil {
		rec, err := v.store.DomainValidation(ctx, hash, now.Add(-v.ttl))
		switch {
		case err == nil:
			v.remember(hash, rec.Valid, now)
			return rec.Valid
		case !errors.Is(err, ErrNotCached):
			v.log.Warn("domain cache lookup failed",
				zap.String("domain", domain),
				zap.Error(err),
			)
		}
	}

	rec := v.resolve(ctx, domain, hash, now)
	v.remember(hash, rec.Valid, now)

	if v.store != nil {
		if err := v.store.SaveDomainValidation(ctx, rec); err != nil {
			v.log.Warn("domain cache save failed",
				zap.String("domain", domain),
				zap.Error(err),
			)
		}
	}
	return rec.Valid
}

func (v *Validator) resolve(ctx context.Context, domain, hash string, now time.Time) Record {
	rec := Record{
		Domain:     domain,
		DomainHash: hash,
		CheckedAt:  now,
		CheckCount: 1,
	}

	mx, mxErr := v.resolver.LookupMX(ctx, domain)
	rec.HasMX = mxErr == nil && len(mx) > 0

	if !rec.HasMX {
		hosts, aErr := v.resolver.LookupHost(ctx, domain)
		rec.HasA = aErr == nil && len(hosts) > 0
		if mxErr != nil && aErr != nil {
			rec.Error = aErr.Error()
		}
	}

	rec.Valid = rec.HasMX || rec.HasA
	return rec
}

func (v *Validator) remember(hash string, valid bool, now time.Time) {
	v.mu.Lock()
	v.local[hash] = localEntry{valid: valid, expiresAt: now.Add(v.ttl)}
	v.mu.Unlock()
}
