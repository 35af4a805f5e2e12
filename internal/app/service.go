// Package app coordinates article mutations with the derived-section
// bookkeeping and serves the cached read paths.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pressroom/api/internal/cache"
	"pressroom/api/internal/sections"
	"pressroom/api/internal/store"
	"pressroom/api/internal/tags"
)

const (
	// MaxTitleLength bounds article titles.
	MaxTitleLength = 256

	DefaultPageSize = 20
	MinPageSize     = 1
	MaxPageSize     = 100
	MinPageNumber   = 1

	sectionsCacheKey      = "pressroom:sections"
	sectionsCacheSliding  = 5 * time.Minute
	sectionsCacheAbsolute = 10 * time.Minute
)

type dataStore interface {
	InTx(ctx context.Context, fn func(store.Querier) error) error
	GetArticleWithTags(ctx context.Context, articleID string) (store.ArticleWithTags, bool, error)
	ListArticlesByTagKey(ctx context.Context, tagKey *string) ([]store.ArticleWithTags, error)
	ListSectionSummaries(ctx context.Context) ([]store.SectionSummary, error)
	GetSectionTagSet(ctx context.Context, sectionID string) (store.Section, []int64, bool, error)
	Ping(ctx context.Context) error
}

type tagResolver interface {
	GetOrCreate(ctx context.Context, q tags.Querier, raw []string) ([]store.Tag, []store.Tag, error)
	Prime(tagList []store.Tag)
}

type sectionManager interface {
	Ensure(ctx context.Context, q sections.Querier, tagList []store.Tag, set sections.TagSet) (bool, error)
	Retire(ctx context.Context, q sections.Querier, set sections.TagSet) (bool, error)
}

type sectionCache interface {
	Get(ctx context.Context) ([]SectionResponse, bool, error)
	Set(ctx context.Context, items []SectionResponse) error
	Invalidate(ctx context.Context) error
	Ping(ctx context.Context) error
}

type Service struct {
	store    dataStore
	tags     tagResolver
	sections sectionManager
	cache    sectionCache
	log      zerolog.Logger
	now      func() time.Time
}

func New(st dataStore, resolver tagResolver, manager sectionManager, sc sectionCache, log zerolog.Logger) *Service {
	return &Service{
		store:    st,
		tags:     resolver,
		sections: manager,
		cache:    sc,
		log:      log,
		now:      time.Now,
	}
}

// NewSectionCache builds the redis cache for the section listing with its
// sliding and absolute windows.
func NewSectionCache(client *redis.Client) *cache.Cache[[]SectionResponse] {
	return cache.New[[]SectionResponse](client, sectionsCacheKey, sectionsCacheSliding, sectionsCacheAbsolute)
}

type ArticleResponse struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	RowVersion string     `json:"rowVersion"`
	Tags       []string   `json:"tags"`
}

type SectionResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Tags          []string `json:"tags"`
	ArticlesCount int      `json:"articlesCount"`
}

type PaginationMetadata struct {
	CurrentPage     int  `json:"currentPage"`
	PageSize        int  `json:"pageSize"`
	TotalCount      int  `json:"totalCount"`
	TotalPages      int  `json:"totalPages"`
	HasPreviousPage bool `json:"hasPreviousPage"`
	HasNextPage     bool `json:"hasNextPage"`
}

type PaginatedResponse[T any] struct {
	Items    []T                `json:"items"`
	Metadata PaginationMetadata `json:"metadata"`
}

type CreateArticleInput struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

type UpdateArticleInput struct {
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
	RowVersion string   `json:"rowVersion"`
}

func validateTitle(title string) error {
	if title == "" {
		return validationError("title must not be empty", nil)
	}
	if len([]rune(title)) > MaxTitleLength {
		return validationError("title too long", map[string]any{"max": MaxTitleLength})
	}
	return nil
}

func articleResponse(item store.ArticleWithTags) ArticleResponse {
	tagNames := item.TagNames
	if tagNames == nil {
		tagNames = []string{}
	}
	return ArticleResponse{
		ID:         item.ID,
		Title:      item.Title,
		CreatedAt:  item.CreatedAt,
		UpdatedAt:  item.UpdatedAt,
		RowVersion: item.RowVersion,
		Tags:       tagNames,
	}
}

func (s *Service) GetArticle(ctx context.Context, articleID string) (ArticleResponse, error) {
	if _, err := uuid.Parse(articleID); err != nil {
		return ArticleResponse{}, notFoundError("article not found")
	}
	item, found, err := s.store.GetArticleWithTags(ctx, articleID)
	if err != nil {
		return ArticleResponse{}, s.mapError(err)
	}
	if !found {
		return ArticleResponse{}, notFoundError("article not found")
	}
	return articleResponse(item), nil
}

// CreateArticle persists a new article with its tags and makes sure the
// section for the article's tag set exists, all in one transaction.
func (s *Service) CreateArticle(ctx context.Context, input CreateArticleInput) (ArticleResponse, error) {
	if err := validateTitle(input.Title); err != nil {
		return ArticleResponse{}, err
	}

	var (
		result         store.ArticleWithTags
		createdTags    []store.Tag
		sectionCreated bool
	)
	err := s.store.InTx(ctx, func(q store.Querier) error {
		// The body may re-run after a transient fault; start clean.
		result = store.ArticleWithTags{}
		createdTags = nil
		sectionCreated = false

		resolved, created, err := s.tags.GetOrCreate(ctx, q, input.Tags)
		if err != nil {
			return err
		}
		createdTags = created

		set := sections.NewTagSet(tagIDs(resolved))
		sectionCreated, err = s.sections.Ensure(ctx, q, resolved, set)
		if err != nil {
			return err
		}

		article, err := q.InsertArticle(ctx, input.Title, s.now().UTC())
		if err != nil {
			return err
		}
		ordered, err := orderedArticleTags(input.Tags, resolved)
		if err != nil {
			return err
		}
		if err := q.InsertArticleTags(ctx, article.ID, tagIDs(ordered)); err != nil {
			return err
		}

		result = store.ArticleWithTags{Article: article, TagIDs: tagIDs(ordered), TagNames: tagNames(ordered)}
		return nil
	})
	if err != nil {
		return ArticleResponse{}, s.mapError(err)
	}

	s.tags.Prime(createdTags)
	if sectionCreated {
		s.invalidateSections(ctx)
	}
	s.log.Info().Str("article_id", result.ID).Int("tags", len(result.TagIDs)).Msg("created article")
	return articleResponse(result), nil
}

// UpdateArticle replaces an article's title and tag list under optimistic
// concurrency control, then creates or retires sections as the article's tag
// set moves.
func (s *Service) UpdateArticle(ctx context.Context, articleID string, input UpdateArticleInput) (ArticleResponse, error) {
	if err := validateTitle(input.Title); err != nil {
		return ArticleResponse{}, err
	}
	if _, err := uuid.Parse(articleID); err != nil {
		return ArticleResponse{}, notFoundError("article not found")
	}

	var (
		result         store.ArticleWithTags
		createdTags    []store.Tag
		sectionCreated bool
		sectionRetired bool
	)
	err := s.store.InTx(ctx, func(q store.Querier) error {
		result = store.ArticleWithTags{}
		createdTags = nil
		sectionCreated = false
		sectionRetired = false

		current, found, err := q.ArticleForUpdate(ctx, articleID)
		if err != nil {
			return err
		}
		if !found {
			return notFoundError("article not found")
		}
		if current.RowVersion != input.RowVersion {
			return conflictError("article was modified by another request")
		}
		oldSet := sections.NewTagSet(current.TagIDs)

		resolved, created, err := s.tags.GetOrCreate(ctx, q, input.Tags)
		if err != nil {
			return err
		}
		createdTags = created

		newSet := sections.NewTagSet(tagIDs(resolved))
		sectionCreated, err = s.sections.Ensure(ctx, q, resolved, newSet)
		if err != nil {
			return err
		}

		if err := q.DeleteArticleTags(ctx, articleID); err != nil {
			return err
		}
		ordered, err := orderedArticleTags(input.Tags, resolved)
		if err != nil {
			return err
		}
		if err := q.InsertArticleTags(ctx, articleID, tagIDs(ordered)); err != nil {
			return err
		}

		updatedAt := s.now().UTC()
		rowVersion, err := q.UpdateArticle(ctx, articleID, input.Title, updatedAt)
		if err != nil {
			return err
		}

		// The old section may have lost its last article.
		sectionRetired, err = s.sections.Retire(ctx, q, oldSet)
		if err != nil {
			return err
		}

		result = store.ArticleWithTags{
			Article: store.Article{
				ID:            articleID,
				Title:         input.Title,
				CreatedAt:     current.CreatedAt,
				UpdatedAt:     &updatedAt,
				EffectiveDate: updatedAt,
				RowVersion:    rowVersion,
			},
			TagIDs:   tagIDs(ordered),
			TagNames: tagNames(ordered),
		}
		return nil
	})
	if err != nil {
		return ArticleResponse{}, s.mapError(err)
	}

	s.tags.Prime(createdTags)
	if sectionCreated || sectionRetired {
		s.invalidateSections(ctx)
	}
	s.log.Info().Str("article_id", articleID).Msg("updated article")
	return articleResponse(result), nil
}

// DeleteArticle removes an article and retires its section if the article was
// the last one with that tag set. Deleting an absent article is a no-op and
// reports false.
func (s *Service) DeleteArticle(ctx context.Context, articleID string) (bool, error) {
	if _, err := uuid.Parse(articleID); err != nil {
		return false, nil
	}

	var (
		deleted        bool
		sectionRetired bool
	)
	err := s.store.InTx(ctx, func(q store.Querier) error {
		deleted = false
		sectionRetired = false

		current, found, err := q.ArticleForUpdate(ctx, articleID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		set := sections.NewTagSet(current.TagIDs)

		if err := q.DeleteArticleTags(ctx, articleID); err != nil {
			return err
		}
		if err := q.DeleteArticle(ctx, articleID); err != nil {
			return err
		}
		deleted = true

		sectionRetired, err = s.sections.Retire(ctx, q, set)
		return err
	})
	if err != nil {
		return false, s.mapError(err)
	}

	if sectionRetired {
		s.invalidateSections(ctx)
	}
	if deleted {
		s.log.Info().Str("article_id", articleID).Msg("deleted article")
	}
	return deleted, nil
}

// ListSections serves the section listing through the redis cache. Cache
// faults degrade to storage with a warning rather than failing the request.
func (s *Service) ListSections(ctx context.Context, page, pageSize int) (PaginatedResponse[SectionResponse], error) {
	items, hit, err := s.cache.Get(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("section cache read failed, falling back to storage")
		hit = false
	}
	if !hit {
		summaries, err := s.store.ListSectionSummaries(ctx)
		if err != nil {
			return PaginatedResponse[SectionResponse]{}, s.mapError(err)
		}
		items = make([]SectionResponse, len(summaries))
		for i, summary := range summaries {
			items[i] = SectionResponse{
				ID:            summary.ID,
				Name:          summary.Name,
				Tags:          summary.TagNames,
				ArticlesCount: summary.ArticlesCount,
			}
		}
		if err := s.cache.Set(ctx, items); err != nil {
			s.log.Warn().Err(err).Msg("section cache write failed")
		}
	}
	s.log.Debug().Bool("cache_hit", hit).Int("sections", len(items)).Msg("listed sections")
	return paginate(items, page, pageSize), nil
}

// ListSectionArticles returns the articles belonging to one section, newest
// effective date first.
func (s *Service) ListSectionArticles(ctx context.Context, sectionID string, page, pageSize int) (PaginatedResponse[ArticleResponse], error) {
	if _, err := uuid.Parse(sectionID); err != nil {
		return PaginatedResponse[ArticleResponse]{}, notFoundError("section not found")
	}
	_, sectionTagIDs, found, err := s.store.GetSectionTagSet(ctx, sectionID)
	if err != nil {
		return PaginatedResponse[ArticleResponse]{}, s.mapError(err)
	}
	if !found {
		return PaginatedResponse[ArticleResponse]{}, notFoundError("section not found")
	}

	set := sections.NewTagSet(sectionTagIDs)
	articles, err := s.store.ListArticlesByTagKey(ctx, set.Key())
	if err != nil {
		return PaginatedResponse[ArticleResponse]{}, s.mapError(err)
	}
	items := make([]ArticleResponse, len(articles))
	for i, item := range articles {
		items[i] = articleResponse(item)
	}
	s.log.Debug().Str("section_id", sectionID).Int("articles", len(items)).Msg("listed section articles")
	return paginate(items, page, pageSize), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

func (s *Service) invalidateSections(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("section cache invalidation failed")
	}
}

// mapError translates lower-layer failures into the API error vocabulary.
func (s *Service) mapError(err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var tooMany *tags.TooManyTagsError
	if errors.As(err, &tooMany) {
		return validationError(tooMany.Error(), map[string]any{"max": tooMany.Max})
	}
	if store.IsTransient(err) {
		s.log.Error().Err(err).Msg("storage unavailable after retries")
		return domainError(503, "STORAGE_UNAVAILABLE", "storage temporarily unavailable", nil)
	}
	s.log.Error().Err(err).Msg("request failed")
	return err
}

// paginate clamps the page parameters and slices the in-memory result set.
func paginate[T any](items []T, page, pageSize int) PaginatedResponse[T] {
	switch {
	case pageSize < MinPageSize:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	if page < MinPageNumber {
		page = MinPageNumber
	}

	totalCount := len(items)
	totalPages := (totalCount + pageSize - 1) / pageSize

	start := (page - 1) * pageSize
	if start > totalCount {
		start = totalCount
	}
	end := start + pageSize
	if end > totalCount {
		end = totalCount
	}

	pageItems := items[start:end]
	if pageItems == nil {
		pageItems = []T{}
	}
	return PaginatedResponse[T]{
		Items: pageItems,
		Metadata: PaginationMetadata{
			CurrentPage:     page,
			PageSize:        pageSize,
			TotalCount:      totalCount,
			TotalPages:      totalPages,
			HasPreviousPage: page > 1,
			HasNextPage:     page < totalPages,
		},
	}
}

// orderedArticleTags maps the raw input tag list onto resolved rows,
// preserving the caller's order after normalization and deduplication.
func orderedArticleTags(raw []string, resolved []store.Tag) ([]store.Tag, error) {
	byName := make(map[string]store.Tag, len(resolved))
	for _, tag := range resolved {
		byName[tag.NormalizedName] = tag
	}
	ordered := make([]store.Tag, 0, len(resolved))
	seen := make(map[string]struct{}, len(resolved))
	for _, r := range raw {
		name := tags.NormalizeName(r)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tag, ok := byName[name]
		if !ok {
			return nil, internalError(fmt.Sprintf("tag %q not resolved", name))
		}
		ordered = append(ordered, tag)
	}
	return ordered, nil
}

func tagIDs(tagList []store.Tag) []int64 {
	ids := make([]int64, len(tagList))
	for i, tag := range tagList {
		ids[i] = tag.ID
	}
	return ids
}

func tagNames(tagList []store.Tag) []string {
	names := make([]string, len(tagList))
	for i, tag := range tagList {
		names[i] = tag.Name
	}
	return names
}
