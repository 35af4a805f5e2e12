// Package sections maintains the derived section entities: one section per
// distinct tag-ID set, created when the set is first observed on an article
// and deleted when the last article referencing it goes away.
package sections

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"pressroom/api/internal/store"
)

const (
	// NoTagsName is the display name of the section that groups articles
	// without any tags.
	NoTagsName = "No Tags"

	// MaxNameLength bounds the derived section display name.
	MaxNameLength = 1024

	keySeparator  = ","
	nameSeparator = ", "
)

// TagSet is a canonicalized set of tag IDs: sorted ascending, deduplicated.
// It is the identity a section is resolved by.
type TagSet struct {
	ids []int64
}

func NewTagSet(tagIDs []int64) TagSet {
	ids := make([]int64, 0, len(tagIDs))
	seen := make(map[int64]struct{}, len(tagIDs))
	for _, id := range tagIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return TagSet{ids: ids}
}

func (s TagSet) Empty() bool {
	return len(s.ids) == 0
}

func (s TagSet) IDs() []int64 {
	return s.ids
}

// Key renders the canonical tag-ID key. The empty set yields nil rather than
// an empty string: its identity is the absence of a key.
func (s TagSet) Key() *string {
	if len(s.ids) == 0 {
		return nil
	}
	parts := make([]string, len(s.ids))
	for i, id := range s.ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	key := strings.Join(parts, keySeparator)
	return &key
}

// Name derives a section display name from its tags: display names sorted
// alphabetically, joined, truncated to MaxNameLength runes.
func Name(tagList []store.Tag) string {
	if len(tagList) == 0 {
		return NoTagsName
	}
	names := make([]string, len(tagList))
	for i, tag := range tagList {
		names[i] = tag.Name
	}
	sort.Strings(names)
	name := strings.Join(names, nameSeparator)
	if runes := []rune(name); len(runes) > MaxNameLength {
		name = string(runes[:MaxNameLength])
	}
	return name
}

type Querier interface {
	FindSectionIDByTagKey(ctx context.Context, tagKey *string) (string, bool, error)
	InsertSection(ctx context.Context, name string, tagKey *string, tagIDs []int64) (string, bool, error)
	DeleteSection(ctx context.Context, sectionID string) error
	ArticlesExistWithTagKey(ctx context.Context, tagKey *string) (bool, error)
}

// Manager creates and retires sections inside the caller's transaction.
type Manager struct {
	log zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Ensure makes sure a section exists for the tag set, creating one if the
// set has not been observed before. Losing the insert race to a concurrent
// writer counts as "already exists". Reports whether a section was created.
func (m *Manager) Ensure(ctx context.Context, q Querier, tagList []store.Tag, set TagSet) (bool, error) {
	key := set.Key()
	if _, found, err := q.FindSectionIDByTagKey(ctx, key); err != nil {
		return false, err
	} else if found {
		return false, nil
	}

	name := Name(tagList)
	sectionID, created, err := q.InsertSection(ctx, name, key, set.IDs())
	if err != nil {
		return false, err
	}
	if !created {
		// A concurrent writer inserted the same tag_key first; the row
		// must be visible now.
		if _, found, err := q.FindSectionIDByTagKey(ctx, key); err != nil {
			return false, err
		} else if !found {
			return false, fmt.Errorf("section for tag set %v missing after insert conflict", set.IDs())
		}
		return false, nil
	}

	m.log.Info().Str("section_id", sectionID).Str("name", name).Msg("created section")
	return true, nil
}

// Retire deletes the section for the tag set if no article references that
// exact set anymore. Reports whether a section was deleted.
func (m *Manager) Retire(ctx context.Context, q Querier, set TagSet) (bool, error) {
	key := set.Key()
	exists, err := q.ArticlesExistWithTagKey(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	sectionID, found, err := q.FindSectionIDByTagKey(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := q.DeleteSection(ctx, sectionID); err != nil {
		return false, err
	}

	m.log.Info().Str("section_id", sectionID).Msg("deleted section")
	return true, nil
}
