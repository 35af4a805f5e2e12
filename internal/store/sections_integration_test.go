package store

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// openIntegrationStore connects to the Postgres named by TEST_DATABASE_URL,
// resets the public schema, and applies the migrations. Tests are skipped
// when no test database is configured.
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(db)
}

func mustUpsertTag(t *testing.T, st *Store, name string) Tag {
	t.Helper()
	tag, err := st.UpsertTag(context.Background(), name, strings.ToLower(name))
	if err != nil {
		t.Fatalf("upsert tag %q: %v", name, err)
	}
	return tag
}

// tagKeyOf renders the canonical key for already-sorted tag IDs.
func tagKeyOf(ids ...int64) *string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	key := strings.Join(parts, ",")
	return &key
}

func TestFindSectionByTagKeyExactSetOnlyPostgres(t *testing.T) {
	st := openIntegrationStore(t)
	ctx := context.Background()

	goTag := mustUpsertTag(t, st, "go")
	newsTag := mustUpsertTag(t, st, "news")
	extraTag := mustUpsertTag(t, st, "extra")

	key := tagKeyOf(goTag.ID, newsTag.ID)
	sectionID, created, err := st.InsertSection(ctx, "go, news", key, []int64{goTag.ID, newsTag.ID})
	if err != nil {
		t.Fatalf("insert section: %v", err)
	}
	if !created {
		t.Fatal("expected section to be created")
	}

	foundID, found, err := st.FindSectionIDByTagKey(ctx, key)
	if err != nil {
		t.Fatalf("find exact set: %v", err)
	}
	if !found || foundID != sectionID {
		t.Fatalf("exact set: found=%v id=%q, want id %q", found, foundID, sectionID)
	}

	// Subset and superset of the section's tag set must not match.
	if _, found, err := st.FindSectionIDByTagKey(ctx, tagKeyOf(goTag.ID)); err != nil || found {
		t.Fatalf("subset matched: found=%v err=%v", found, err)
	}
	if _, found, err := st.FindSectionIDByTagKey(ctx, tagKeyOf(goTag.ID, newsTag.ID, extraTag.ID)); err != nil || found {
		t.Fatalf("superset matched: found=%v err=%v", found, err)
	}
}

func TestEmptyTagSetSectionRoundTripPostgres(t *testing.T) {
	st := openIntegrationStore(t)
	ctx := context.Background()

	// The empty set's key is NULL; the lookup has to treat the NULL
	// aggregate as equal to it without matching any real key.
	sectionID, created, err := st.InsertSection(ctx, "No Tags", nil, nil)
	if err != nil {
		t.Fatalf("insert tagless section: %v", err)
	}
	if !created {
		t.Fatal("expected tagless section to be created")
	}

	goTag := mustUpsertTag(t, st, "go")
	if _, _, err := st.InsertSection(ctx, "go", tagKeyOf(goTag.ID), []int64{goTag.ID}); err != nil {
		t.Fatalf("insert tagged section: %v", err)
	}

	foundID, found, err := st.FindSectionIDByTagKey(ctx, nil)
	if err != nil {
		t.Fatalf("find empty set: %v", err)
	}
	if !found || foundID != sectionID {
		t.Fatalf("empty set: found=%v id=%q, want id %q", found, foundID, sectionID)
	}
}

func TestInsertSectionUniqueKeyBackstopPostgres(t *testing.T) {
	st := openIntegrationStore(t)
	ctx := context.Background()

	goTag := mustUpsertTag(t, st, "go")
	key := tagKeyOf(goTag.ID)

	if _, created, err := st.InsertSection(ctx, "go", key, []int64{goTag.ID}); err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	if _, created, err := st.InsertSection(ctx, "go", key, []int64{goTag.ID}); err != nil || created {
		t.Fatalf("duplicate key must report a lost race: created=%v err=%v", created, err)
	}

	// NULLS NOT DISTINCT: two tagless sections collide on the NULL key too.
	if _, created, err := st.InsertSection(ctx, "No Tags", nil, nil); err != nil || !created {
		t.Fatalf("first tagless insert: created=%v err=%v", created, err)
	}
	if _, created, err := st.InsertSection(ctx, "No Tags", nil, nil); err != nil || created {
		t.Fatalf("duplicate NULL key must report a lost race: created=%v err=%v", created, err)
	}
}

func TestArticlesExistWithTagKeyPostgres(t *testing.T) {
	st := openIntegrationStore(t)
	ctx := context.Background()

	goTag := mustUpsertTag(t, st, "go")
	newsTag := mustUpsertTag(t, st, "news")

	article, err := st.InsertArticle(ctx, "A", time.Now().UTC())
	if err != nil {
		t.Fatalf("insert article: %v", err)
	}
	if err := st.InsertArticleTags(ctx, article.ID, []int64{goTag.ID, newsTag.ID}); err != nil {
		t.Fatalf("insert article tags: %v", err)
	}

	if exists, err := st.ArticlesExistWithTagKey(ctx, tagKeyOf(goTag.ID, newsTag.ID)); err != nil || !exists {
		t.Fatalf("exact set: exists=%v err=%v", exists, err)
	}
	if exists, err := st.ArticlesExistWithTagKey(ctx, tagKeyOf(goTag.ID)); err != nil || exists {
		t.Fatalf("subset must not match: exists=%v err=%v", exists, err)
	}
	if exists, err := st.ArticlesExistWithTagKey(ctx, nil); err != nil || exists {
		t.Fatalf("no tagless article yet: exists=%v err=%v", exists, err)
	}

	if _, err := st.InsertArticle(ctx, "B", time.Now().UTC()); err != nil {
		t.Fatalf("insert tagless article: %v", err)
	}
	if exists, err := st.ArticlesExistWithTagKey(ctx, nil); err != nil || !exists {
		t.Fatalf("tagless article must match the NULL key: exists=%v err=%v", exists, err)
	}
}

func TestListArticlesByTagKeyOrderingPostgres(t *testing.T) {
	st := openIntegrationStore(t)
	ctx := context.Background()

	goTag := mustUpsertTag(t, st, "go")
	newsTag := mustUpsertTag(t, st, "news")
	base := time.Now().UTC().Add(-time.Hour)

	older, err := st.InsertArticle(ctx, "older", base)
	if err != nil {
		t.Fatalf("insert older: %v", err)
	}
	newer, err := st.InsertArticle(ctx, "newer", base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("insert newer: %v", err)
	}
	// Attach in reverse-sorted order so position order differs from ID order.
	for _, id := range []string{older.ID, newer.ID} {
		if err := st.InsertArticleTags(ctx, id, []int64{newsTag.ID, goTag.ID}); err != nil {
			t.Fatalf("insert article tags: %v", err)
		}
	}

	items, err := st.ListArticlesByTagKey(ctx, tagKeyOf(goTag.ID, newsTag.ID))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d articles, want 2", len(items))
	}
	if items[0].ID != newer.ID || items[1].ID != older.ID {
		t.Errorf("order = [%s %s], want newest first", items[0].Title, items[1].Title)
	}
	if len(items[0].TagNames) != 2 || items[0].TagNames[0] != "news" || items[0].TagNames[1] != "go" {
		t.Errorf("tag position order not preserved: %v", items[0].TagNames)
	}
}

func TestListSectionSummariesCountsPostgres(t *testing.T) {
	st := openIntegrationStore(t)
	ctx := context.Background()

	goTag := mustUpsertTag(t, st, "go")
	newsTag := mustUpsertTag(t, st, "news")

	if _, _, err := st.InsertSection(ctx, "go", tagKeyOf(goTag.ID), []int64{goTag.ID}); err != nil {
		t.Fatalf("insert section go: %v", err)
	}
	if _, _, err := st.InsertSection(ctx, "go, news", tagKeyOf(goTag.ID, newsTag.ID), []int64{goTag.ID, newsTag.ID}); err != nil {
		t.Fatalf("insert section go+news: %v", err)
	}
	if _, _, err := st.InsertSection(ctx, "No Tags", nil, nil); err != nil {
		t.Fatalf("insert tagless section: %v", err)
	}

	attach := func(title string, tagIDs []int64) {
		article, err := st.InsertArticle(ctx, title, time.Now().UTC())
		if err != nil {
			t.Fatalf("insert article %q: %v", title, err)
		}
		if err := st.InsertArticleTags(ctx, article.ID, tagIDs); err != nil {
			t.Fatalf("attach tags to %q: %v", title, err)
		}
	}
	attach("A", []int64{goTag.ID})
	attach("B", []int64{goTag.ID})
	attach("C", []int64{goTag.ID, newsTag.ID})
	attach("D", nil)

	items, err := st.ListSectionSummaries(ctx)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d sections, want 3", len(items))
	}
	if items[0].Name != "go" || items[0].ArticlesCount != 2 {
		t.Errorf("top section = %q count %d, want go with 2", items[0].Name, items[0].ArticlesCount)
	}
	counts := map[string]int{}
	for _, item := range items {
		counts[item.Name] = item.ArticlesCount
	}
	if counts["go, news"] != 1 || counts["No Tags"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	for _, item := range items {
		if item.Name == "go, news" {
			if len(item.TagNames) != 2 || item.TagNames[0] != "go" || item.TagNames[1] != "news" {
				t.Errorf("tag names = %v, want sorted [go news]", item.TagNames)
			}
		}
	}
}
