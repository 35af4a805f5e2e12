// Package tags canonicalizes raw tag names and resolves them to persisted
// tag rows, creating missing ones on demand.
package tags

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pressroom/api/internal/store"
)

const (
	// DefaultMaxTags caps how many distinct tags one article may carry.
	// The cap bounds canonical key length and keeps the set-equality
	// queries sane.
	DefaultMaxTags = 256

	defaultCacheTTL = time.Hour
)

// TooManyTagsError is a validation failure: the deduplicated tag list
// exceeded the configured maximum.
type TooManyTagsError struct {
	Count int
	Max   int
}

func (e *TooManyTagsError) Error() string {
	return fmt.Sprintf("too many tags: %d (max %d)", e.Count, e.Max)
}

// NormalizeName trims and case-folds a single raw tag name. An empty result
// means the input was blank.
func NormalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Normalize canonicalizes a raw tag list: trim, case-fold, drop empties,
// dedupe preserving first occurrence.
func Normalize(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	normalized := make([]string, 0, len(raw))
	for _, r := range raw {
		name := NormalizeName(r)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		normalized = append(normalized, name)
	}
	return normalized
}

type Querier interface {
	TagsByNormalizedNames(ctx context.Context, normalized []string) ([]store.Tag, error)
	UpsertTag(ctx context.Context, name, normalized string) (store.Tag, error)
}

type cacheEntry struct {
	tag       store.Tag
	expiresAt time.Time
}

// Resolver maps raw tag names to tag rows through a per-process cache keyed
// by normalized name.
type Resolver struct {
	maxTags int
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewResolver() *Resolver {
	return &Resolver{
		maxTags: DefaultMaxTags,
		ttl:     defaultCacheTTL,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// GetOrCreate resolves raw tag names to tag rows, creating any that do not
// exist yet. It returns the resolved tags in canonical (first-occurrence)
// order plus, separately, the tags inserted by this call: those are not
// cached here because the enclosing transaction may still roll back, so the
// caller primes the cache with them after a successful commit.
func (r *Resolver) GetOrCreate(ctx context.Context, q Querier, raw []string) ([]store.Tag, []store.Tag, error) {
	normalized := Normalize(raw)
	if len(normalized) > r.maxTags {
		return nil, nil, &TooManyTagsError{Count: len(normalized), Max: r.maxTags}
	}

	display := make(map[string]string, len(normalized))
	for _, rawName := range raw {
		name := NormalizeName(rawName)
		if name == "" {
			continue
		}
		if _, ok := display[name]; !ok {
			display[name] = strings.TrimSpace(rawName)
		}
	}

	resolved := make(map[string]store.Tag, len(normalized))
	missing := make([]string, 0, len(normalized))
	now := r.now()

	r.mu.Lock()
	for _, name := range normalized {
		if entry, ok := r.cache[name]; ok && entry.expiresAt.After(now) {
			resolved[name] = entry.tag
		} else {
			missing = append(missing, name)
		}
	}
	r.mu.Unlock()

	var created []store.Tag
	if len(missing) > 0 {
		existing, err := q.TagsByNormalizedNames(ctx, missing)
		if err != nil {
			return nil, nil, err
		}
		for _, tag := range existing {
			resolved[tag.NormalizedName] = tag
		}
		r.Prime(existing)

		for _, name := range missing {
			if _, ok := resolved[name]; ok {
				continue
			}
			tag, err := q.UpsertTag(ctx, display[name], name)
			if err != nil {
				return nil, nil, err
			}
			resolved[name] = tag
			created = append(created, tag)
		}
	}

	ordered := make([]store.Tag, 0, len(normalized))
	for _, name := range normalized {
		ordered = append(ordered, resolved[name])
	}
	return ordered, created, nil
}

// Prime writes tag rows into the cache. The coordinator calls it with newly
// created tags once their transaction has committed.
func (r *Resolver) Prime(tags []store.Tag) {
	if len(tags) == 0 {
		return
	}
	expiresAt := r.now().Add(r.ttl)
	r.mu.Lock()
	for _, tag := range tags {
		r.cache[tag.NormalizedName] = cacheEntry{tag: tag, expiresAt: expiresAt}
	}
	r.mu.Unlock()
}
