package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx so the same queries run directly
// or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier is the set of storage operations the mutation coordinator runs
// inside a transaction.
type Querier interface {
	TagsByNormalizedNames(ctx context.Context, normalized []string) ([]Tag, error)
	UpsertTag(ctx context.Context, name, normalized string) (Tag, error)

	FindSectionIDByTagKey(ctx context.Context, tagKey *string) (string, bool, error)
	InsertSection(ctx context.Context, name string, tagKey *string, tagIDs []int64) (string, bool, error)
	DeleteSection(ctx context.Context, sectionID string) error
	ArticlesExistWithTagKey(ctx context.Context, tagKey *string) (bool, error)

	InsertArticle(ctx context.Context, title string, createdAt time.Time) (Article, error)
	InsertArticleTags(ctx context.Context, articleID string, tagIDs []int64) error
	ArticleForUpdate(ctx context.Context, articleID string) (ArticleWithTags, bool, error)
	UpdateArticle(ctx context.Context, articleID, title string, updatedAt time.Time) (string, error)
	DeleteArticleTags(ctx context.Context, articleID string) error
	DeleteArticle(ctx context.Context, articleID string) error
}

type Queries struct {
	db DBTX
}

func (q *Queries) TagsByNormalizedNames(ctx context.Context, normalized []string) ([]Tag, error) {
	if len(normalized) == 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, normalized_name
		FROM tags
		WHERE normalized_name = ANY($1)
	`, normalized)
	if err != nil {
		return nil, fmt.Errorf("lookup tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0, len(normalized))
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.Name, &item.NormalizedName); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

// UpsertTag inserts a tag or, if another writer got there first, returns the
// existing row. The no-op DO UPDATE makes RETURNING yield the winner either
// way; the stored display name keeps its first-seen casing.
func (q *Queries) UpsertTag(ctx context.Context, name, normalized string) (Tag, error) {
	var item Tag
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO tags (name, normalized_name)
		VALUES ($1, $2)
		ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING id, name, normalized_name
	`, name, normalized).Scan(&item.ID, &item.Name, &item.NormalizedName)
	if err != nil {
		return Tag{}, fmt.Errorf("upsert tag %q: %w", normalized, err)
	}
	return item, nil
}

// FindSectionIDByTagKey resolves a canonical tag-ID key to its section using
// set equality over the join table. A nil key matches the tagless section:
// its aggregate is NULL, and IS NOT DISTINCT FROM treats the two NULLs as
// equal without colliding with any real key.
func (q *Queries) FindSectionIDByTagKey(ctx context.Context, tagKey *string) (string, bool, error) {
	var sectionID string
	err := q.db.QueryRowContext(ctx, `
		SELECT s.id
		FROM sections s
		LEFT JOIN section_tags st ON st.section_id = s.id
		GROUP BY s.id
		HAVING STRING_AGG(st.tag_id::text, ',' ORDER BY st.tag_id) IS NOT DISTINCT FROM $1::text
		LIMIT 1
	`, tagKey).Scan(&sectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find section by tag key: %w", err)
	}
	return sectionID, true, nil
}

// InsertSection creates a section and its membership rows. The unique
// constraint on tag_key is the find-or-create backstop: losing the race
// reports created=false instead of an error, and the caller re-runs the
// lookup.
func (q *Queries) InsertSection(ctx context.Context, name string, tagKey *string, tagIDs []int64) (string, bool, error) {
	var sectionID string
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO sections (name, tag_key)
		VALUES ($1, $2::text)
		ON CONFLICT (tag_key) DO NOTHING
		RETURNING id
	`, name, tagKey).Scan(&sectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("insert section: %w", err)
	}

	for _, tagID := range tagIDs {
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO section_tags (section_id, tag_id)
			VALUES ($1, $2)
		`, sectionID, tagID); err != nil {
			return "", false, fmt.Errorf("insert section tag: %w", err)
		}
	}
	return sectionID, true, nil
}

func (q *Queries) DeleteSection(ctx context.Context, sectionID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM section_tags WHERE section_id=$1`, sectionID); err != nil {
		return fmt.Errorf("delete section tags: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sections WHERE id=$1`, sectionID); err != nil {
		return fmt.Errorf("delete section: %w", err)
	}
	return nil
}

// ArticlesExistWithTagKey reports whether any article's tag set renders to
// the given canonical key (nil = no tags).
func (q *Queries) ArticlesExistWithTagKey(ctx context.Context, tagKey *string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM (
				SELECT a.id, STRING_AGG(at.tag_id::text, ',' ORDER BY at.tag_id) AS tag_key
				FROM articles a
				LEFT JOIN article_tags at ON at.article_id = a.id
				GROUP BY a.id
			) grouped
			WHERE grouped.tag_key IS NOT DISTINCT FROM $1::text
		)
	`, tagKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check articles by tag key: %w", err)
	}
	return exists, nil
}

func (q *Queries) InsertArticle(ctx context.Context, title string, createdAt time.Time) (Article, error) {
	item := Article{Title: title, CreatedAt: createdAt, EffectiveDate: createdAt}
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO articles (title, created_at, effective_date)
		VALUES ($1, $2, $2)
		RETURNING id, row_version
	`, title, createdAt).Scan(&item.ID, &item.RowVersion)
	if err != nil {
		return Article{}, fmt.Errorf("insert article: %w", err)
	}
	return item, nil
}

// InsertArticleTags attaches tags in the order given; positions are the
// zero-based input order.
func (q *Queries) InsertArticleTags(ctx context.Context, articleID string, tagIDs []int64) error {
	for position, tagID := range tagIDs {
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO article_tags (article_id, tag_id, position)
			VALUES ($1, $2, $3)
		`, articleID, tagID, position); err != nil {
			return fmt.Errorf("insert article tag: %w", err)
		}
	}
	return nil
}

// ArticleForUpdate loads an article row with a row lock plus its tag IDs in
// position order. found=false when the article does not exist.
func (q *Queries) ArticleForUpdate(ctx context.Context, articleID string) (ArticleWithTags, bool, error) {
	var item ArticleWithTags
	err := q.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, effective_date, row_version
		FROM articles
		WHERE id=$1
		FOR UPDATE
	`, articleID).Scan(&item.ID, &item.Title, &item.CreatedAt, &item.UpdatedAt, &item.EffectiveDate, &item.RowVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return ArticleWithTags{}, false, nil
	}
	if err != nil {
		return ArticleWithTags{}, false, fmt.Errorf("load article for update: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT at.tag_id, t.name
		FROM article_tags at
		JOIN tags t ON t.id = at.tag_id
		WHERE at.article_id=$1
		ORDER BY at.position
	`, articleID)
	if err != nil {
		return ArticleWithTags{}, false, fmt.Errorf("load article tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tagID int64
		var name string
		if err := rows.Scan(&tagID, &name); err != nil {
			return ArticleWithTags{}, false, fmt.Errorf("scan article tag: %w", err)
		}
		item.TagIDs = append(item.TagIDs, tagID)
		item.TagNames = append(item.TagNames, name)
	}
	if err := rows.Err(); err != nil {
		return ArticleWithTags{}, false, fmt.Errorf("iterate article tags: %w", err)
	}
	return item, true, nil
}

// UpdateArticle writes the new title, stamps updated_at and effective_date,
// and lets storage assign a fresh concurrency token, which is returned.
func (q *Queries) UpdateArticle(ctx context.Context, articleID, title string, updatedAt time.Time) (string, error) {
	var rowVersion string
	err := q.db.QueryRowContext(ctx, `
		UPDATE articles
		SET title=$2, updated_at=$3, effective_date=$3, row_version=gen_random_uuid()
		WHERE id=$1
		RETURNING row_version
	`, articleID, title, updatedAt).Scan(&rowVersion)
	if err != nil {
		return "", fmt.Errorf("update article: %w", err)
	}
	return rowVersion, nil
}

func (q *Queries) DeleteArticleTags(ctx context.Context, articleID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM article_tags WHERE article_id=$1`, articleID); err != nil {
		return fmt.Errorf("delete article tags: %w", err)
	}
	return nil
}

func (q *Queries) DeleteArticle(ctx context.Context, articleID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM articles WHERE id=$1`, articleID); err != nil {
		return fmt.Errorf("delete article: %w", err)
	}
	return nil
}

func (q *Queries) GetArticleWithTags(ctx context.Context, articleID string) (ArticleWithTags, bool, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT a.id, a.title, a.created_at, a.updated_at, a.effective_date, a.row_version, at.tag_id, t.name
		FROM articles a
		LEFT JOIN article_tags at ON at.article_id = a.id
		LEFT JOIN tags t ON t.id = at.tag_id
		WHERE a.id=$1
		ORDER BY at.position
	`, articleID)
	if err != nil {
		return ArticleWithTags{}, false, fmt.Errorf("get article: %w", err)
	}
	defer rows.Close()

	var item ArticleWithTags
	found := false
	for rows.Next() {
		var tagID sql.NullInt64
		var tagName sql.NullString
		if err := rows.Scan(&item.ID, &item.Title, &item.CreatedAt, &item.UpdatedAt, &item.EffectiveDate, &item.RowVersion, &tagID, &tagName); err != nil {
			return ArticleWithTags{}, false, fmt.Errorf("scan article: %w", err)
		}
		found = true
		if tagID.Valid {
			item.TagIDs = append(item.TagIDs, tagID.Int64)
			item.TagNames = append(item.TagNames, tagName.String)
		}
	}
	if err := rows.Err(); err != nil {
		return ArticleWithTags{}, false, fmt.Errorf("iterate article: %w", err)
	}
	return item, found, nil
}

// ListArticlesByTagKey returns the articles whose tag set renders to the
// given canonical key, newest effective date first, tags in position order.
func (q *Queries) ListArticlesByTagKey(ctx context.Context, tagKey *string) ([]ArticleWithTags, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH article_keys AS (
			SELECT a.id, STRING_AGG(at.tag_id::text, ',' ORDER BY at.tag_id) AS tag_key
			FROM articles a
			LEFT JOIN article_tags at ON at.article_id = a.id
			GROUP BY a.id
		)
		SELECT a.id, a.title, a.created_at, a.updated_at, a.effective_date, a.row_version, at.tag_id, t.name
		FROM articles a
		JOIN article_keys k ON k.id = a.id
		LEFT JOIN article_tags at ON at.article_id = a.id
		LEFT JOIN tags t ON t.id = at.tag_id
		WHERE k.tag_key IS NOT DISTINCT FROM $1::text
		ORDER BY a.effective_date DESC, a.id, at.position
	`, tagKey)
	if err != nil {
		return nil, fmt.Errorf("list articles by tag key: %w", err)
	}
	defer rows.Close()

	items := make([]ArticleWithTags, 0)
	index := make(map[string]int)
	for rows.Next() {
		var flat Article
		var tagID sql.NullInt64
		var tagName sql.NullString
		if err := rows.Scan(&flat.ID, &flat.Title, &flat.CreatedAt, &flat.UpdatedAt, &flat.EffectiveDate, &flat.RowVersion, &tagID, &tagName); err != nil {
			return nil, fmt.Errorf("scan section article: %w", err)
		}
		pos, ok := index[flat.ID]
		if !ok {
			pos = len(items)
			index[flat.ID] = pos
			items = append(items, ArticleWithTags{Article: flat})
		}
		if tagID.Valid {
			items[pos].TagIDs = append(items[pos].TagIDs, tagID.Int64)
			items[pos].TagNames = append(items[pos].TagNames, tagName.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate section articles: %w", err)
	}
	return items, nil
}

// ListSectionSummaries returns every section with its sorted tag names and
// the count of articles whose tag set matches exactly, most-populated first.
func (q *Queries) ListSectionSummaries(ctx context.Context) ([]SectionSummary, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH section_keys AS (
			SELECT s.id, s.name, STRING_AGG(st.tag_id::text, ',' ORDER BY st.tag_id) AS tag_key
			FROM sections s
			LEFT JOIN section_tags st ON st.section_id = s.id
			GROUP BY s.id, s.name
		), article_keys AS (
			SELECT a.id, STRING_AGG(at.tag_id::text, ',' ORDER BY at.tag_id) AS tag_key
			FROM articles a
			LEFT JOIN article_tags at ON at.article_id = a.id
			GROUP BY a.id
		)
		SELECT k.id, k.name, COUNT(ak.id)::int AS articles_count
		FROM section_keys k
		LEFT JOIN article_keys ak ON ak.tag_key IS NOT DISTINCT FROM k.tag_key
		GROUP BY k.id, k.name
		ORDER BY articles_count DESC, k.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]SectionSummary, 0)
	index := make(map[string]int)
	for rows.Next() {
		var item SectionSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.ArticlesCount); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		item.TagNames = make([]string, 0)
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}

	tagRows, err := q.db.QueryContext(ctx, `
		SELECT st.section_id, t.name
		FROM section_tags st
		JOIN tags t ON t.id = st.tag_id
		ORDER BY st.section_id, t.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list section tags: %w", err)
	}
	defer tagRows.Close()

	for tagRows.Next() {
		var sectionID, name string
		if err := tagRows.Scan(&sectionID, &name); err != nil {
			return nil, fmt.Errorf("scan section tag: %w", err)
		}
		if pos, ok := index[sectionID]; ok {
			items[pos].TagNames = append(items[pos].TagNames, name)
		}
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate section tags: %w", err)
	}
	return items, nil
}

// GetSectionTagSet loads a section and its tag IDs, sorted ascending.
func (q *Queries) GetSectionTagSet(ctx context.Context, sectionID string) (Section, []int64, bool, error) {
	var section Section
	err := q.db.QueryRowContext(ctx, `SELECT id, name FROM sections WHERE id=$1`, sectionID).Scan(&section.ID, &section.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Section{}, nil, false, nil
	}
	if err != nil {
		return Section{}, nil, false, fmt.Errorf("get section: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT tag_id FROM section_tags WHERE section_id=$1 ORDER BY tag_id
	`, sectionID)
	if err != nil {
		return Section{}, nil, false, fmt.Errorf("get section tags: %w", err)
	}
	defer rows.Close()

	tagIDs := make([]int64, 0)
	for rows.Next() {
		var tagID int64
		if err := rows.Scan(&tagID); err != nil {
			return Section{}, nil, false, fmt.Errorf("scan section tag id: %w", err)
		}
		tagIDs = append(tagIDs, tagID)
	}
	if err := rows.Err(); err != nil {
		return Section{}, nil, false, fmt.Errorf("iterate section tag ids: %w", err)
	}
	return section, tagIDs, true, nil
}
