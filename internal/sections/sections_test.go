package sections

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressroom/api/internal/store"
)

type fakeQuerier struct {
	findID    string
	findOK    bool
	insertID  string
	insertOK  bool
	articles  bool
	deletedID string

	findCalls   int
	insertCalls int
}

func (f *fakeQuerier) FindSectionIDByTagKey(context.Context, *string) (string, bool, error) {
	f.findCalls++
	return f.findID, f.findOK, nil
}

func (f *fakeQuerier) InsertSection(context.Context, string, *string, []int64) (string, bool, error) {
	f.insertCalls++
	return f.insertID, f.insertOK, nil
}

func (f *fakeQuerier) DeleteSection(_ context.Context, sectionID string) error {
	f.deletedID = sectionID
	return nil
}

func (f *fakeQuerier) ArticlesExistWithTagKey(context.Context, *string) (bool, error) {
	return f.articles, nil
}

func TestNewTagSetCanonicalizes(t *testing.T) {
	set := NewTagSet([]int64{9, 1, 5, 9, 1})
	assert.Equal(t, []int64{1, 5, 9}, set.IDs())
	require.NotNil(t, set.Key())
	assert.Equal(t, "1,5,9", *set.Key())
}

func TestTagSetKeyStableUnderPermutation(t *testing.T) {
	a := NewTagSet([]int64{3, 1, 2})
	b := NewTagSet([]int64{2, 3, 1})
	assert.Equal(t, *a.Key(), *b.Key())
}

func TestEmptyTagSetHasNoKey(t *testing.T) {
	set := NewTagSet(nil)
	assert.True(t, set.Empty())
	assert.Nil(t, set.Key())
}

func TestNameSortsAndJoins(t *testing.T) {
	name := Name([]store.Tag{
		{ID: 2, Name: "news"},
		{ID: 1, Name: "go"},
	})
	assert.Equal(t, "go, news", name)
}

func TestNameEmptySet(t *testing.T) {
	assert.Equal(t, NoTagsName, Name(nil))
}

func TestNameTruncated(t *testing.T) {
	long := []store.Tag{
		{ID: 1, Name: strings.Repeat("a", 800)},
		{ID: 2, Name: strings.Repeat("b", 800)},
	}
	name := Name(long)
	assert.Len(t, name, MaxNameLength)
}

func TestEnsureSkipsExistingSection(t *testing.T) {
	q := &fakeQuerier{findOK: true, findID: "sec-1"}
	m := NewManager(zerolog.Nop())

	created, err := m.Ensure(context.Background(), q, nil, NewTagSet(nil))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, q.insertCalls)
}

func TestEnsureCreatesSection(t *testing.T) {
	q := &fakeQuerier{insertID: "sec-1", insertOK: true}
	m := NewManager(zerolog.Nop())

	created, err := m.Ensure(context.Background(), q, []store.Tag{{ID: 1, Name: "go"}}, NewTagSet([]int64{1}))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, q.insertCalls)
}

func TestEnsureLostInsertRace(t *testing.T) {
	// First lookup misses, insert conflicts, re-lookup finds the winner.
	q := &fakeQuerier{insertOK: false}
	m := NewManager(zerolog.Nop())

	calls := 0
	raceQuerier := &raceFake{fakeQuerier: q, onFind: func() (string, bool) {
		calls++
		if calls == 1 {
			return "", false
		}
		return "sec-other", true
	}}

	created, err := m.Ensure(context.Background(), raceQuerier, nil, NewTagSet([]int64{1}))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, calls)
}

type raceFake struct {
	*fakeQuerier
	onFind func() (string, bool)
}

func (r *raceFake) FindSectionIDByTagKey(context.Context, *string) (string, bool, error) {
	id, ok := r.onFind()
	return id, ok, nil
}

func TestRetireKeepsSectionWithArticles(t *testing.T) {
	q := &fakeQuerier{articles: true, findOK: true, findID: "sec-1"}
	m := NewManager(zerolog.Nop())

	deleted, err := m.Retire(context.Background(), q, NewTagSet([]int64{1}))
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Empty(t, q.deletedID)
}

func TestRetireDeletesUnreferencedSection(t *testing.T) {
	q := &fakeQuerier{articles: false, findOK: true, findID: "sec-1"}
	m := NewManager(zerolog.Nop())

	deleted, err := m.Retire(context.Background(), q, NewTagSet([]int64{1}))
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "sec-1", q.deletedID)
}

func TestRetireNoSection(t *testing.T) {
	q := &fakeQuerier{articles: false, findOK: false}
	m := NewManager(zerolog.Nop())

	deleted, err := m.Retire(context.Background(), q, NewTagSet(nil))
	require.NoError(t, err)
	assert.False(t, deleted)
}
