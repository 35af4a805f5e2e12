package store

import "time"

type Tag struct {
	ID             int64
	Name           string
	NormalizedName string
}

type Article struct {
	ID            string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     *time.Time
	EffectiveDate time.Time
	RowVersion    string
}

// ArticleWithTags carries an article together with its tags in stored
// position order.
type ArticleWithTags struct {
	Article
	TagIDs   []int64
	TagNames []string
}

type Section struct {
	ID   string
	Name string
}

// SectionSummary is one row of the section listing: tag names sorted
// alphabetically, plus the number of articles whose tag set matches the
// section's exactly.
type SectionSummary struct {
	ID            string
	Name          string
	TagNames      []string
	ArticlesCount int
}
