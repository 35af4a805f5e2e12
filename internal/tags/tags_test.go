package tags

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressroom/api/internal/store"
)

type fakeQuerier struct {
	existing map[string]store.Tag
	nextID   int64

	lookups []([]string)
	upserts []string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{existing: make(map[string]store.Tag), nextID: 1}
}

func (f *fakeQuerier) TagsByNormalizedNames(_ context.Context, normalized []string) ([]store.Tag, error) {
	f.lookups = append(f.lookups, normalized)
	found := make([]store.Tag, 0)
	for _, name := range normalized {
		if tag, ok := f.existing[name]; ok {
			found = append(found, tag)
		}
	}
	return found, nil
}

func (f *fakeQuerier) UpsertTag(_ context.Context, name, normalized string) (store.Tag, error) {
	f.upserts = append(f.upserts, normalized)
	if tag, ok := f.existing[normalized]; ok {
		return tag, nil
	}
	tag := store.Tag{ID: f.nextID, Name: name, NormalizedName: normalized}
	f.nextID++
	f.existing[normalized] = tag
	return tag, nil
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   []string
		want []string
	}{
		{"case folding and trim", []string{"Go", " go ", "GO"}, []string{"go"}},
		{"drops blanks", []string{"  ", "", "news"}, []string{"news"}},
		{"preserves first occurrence order", []string{"b", "a", "c", "B"}, []string{"b", "a", "c"}},
		{"empty input", nil, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}

func TestGetOrCreateResolvesAndCreates(t *testing.T) {
	q := newFakeQuerier()
	q.existing["news"] = store.Tag{ID: 7, Name: "News", NormalizedName: "news"}
	r := NewResolver()

	resolved, created, err := r.GetOrCreate(context.Background(), q, []string{"News", "Go"})
	require.NoError(t, err)

	require.Len(t, resolved, 2)
	assert.Equal(t, "news", resolved[0].NormalizedName)
	assert.Equal(t, "go", resolved[1].NormalizedName)
	assert.Equal(t, "Go", resolved[1].Name, "display name keeps first-seen casing")

	require.Len(t, created, 1)
	assert.Equal(t, "go", created[0].NormalizedName)
}

func TestGetOrCreateDeduplicatesVariants(t *testing.T) {
	q := newFakeQuerier()
	r := NewResolver()

	resolved, created, err := r.GetOrCreate(context.Background(), q, []string{"Go", " go ", "GO"})
	require.NoError(t, err)

	require.Len(t, resolved, 1)
	assert.Equal(t, "go", resolved[0].NormalizedName)
	assert.Equal(t, "Go", resolved[0].Name)
	assert.Len(t, created, 1)
	assert.Equal(t, []string{"go"}, q.upserts)
}

func TestGetOrCreateTooManyTags(t *testing.T) {
	q := newFakeQuerier()
	r := NewResolver()
	r.maxTags = 2

	_, _, err := r.GetOrCreate(context.Background(), q, []string{"a", "b", "c"})
	var tooMany *TooManyTagsError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 3, tooMany.Count)
	assert.Equal(t, 2, tooMany.Max)
	assert.Empty(t, q.lookups, "no storage round trip on validation failure")
}

func TestGetOrCreateUsesCacheForExistingTags(t *testing.T) {
	q := newFakeQuerier()
	q.existing["go"] = store.Tag{ID: 1, Name: "Go", NormalizedName: "go"}
	r := NewResolver()

	_, _, err := r.GetOrCreate(context.Background(), q, []string{"go"})
	require.NoError(t, err)
	require.Len(t, q.lookups, 1)

	_, _, err = r.GetOrCreate(context.Background(), q, []string{"GO"})
	require.NoError(t, err)
	assert.Len(t, q.lookups, 1, "second resolution served from cache")
}

func TestCreatedTagsNotCachedUntilPrimed(t *testing.T) {
	q := newFakeQuerier()
	r := NewResolver()

	_, created, err := r.GetOrCreate(context.Background(), q, []string{"go"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Still a miss: the creating transaction may have rolled back.
	_, _, err = r.GetOrCreate(context.Background(), q, []string{"go"})
	require.NoError(t, err)
	require.Len(t, q.lookups, 2)

	r.Prime(created)
	_, _, err = r.GetOrCreate(context.Background(), q, []string{"go"})
	require.NoError(t, err)
	assert.Len(t, q.lookups, 2, "primed tag served from cache")
}

func TestCacheEntriesExpire(t *testing.T) {
	q := newFakeQuerier()
	q.existing["go"] = store.Tag{ID: 1, Name: "Go", NormalizedName: "go"}

	current := time.Now()
	r := NewResolver()
	r.now = func() time.Time { return current }

	_, _, err := r.GetOrCreate(context.Background(), q, []string{"go"})
	require.NoError(t, err)
	require.Len(t, q.lookups, 1)

	current = current.Add(2 * time.Hour)
	_, _, err = r.GetOrCreate(context.Background(), q, []string{"go"})
	require.NoError(t, err)
	assert.Len(t, q.lookups, 2, "expired entry goes back to storage")
}
