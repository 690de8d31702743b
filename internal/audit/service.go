package audit

import (
	"context"
	"fmt"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// MaxExportRows caps a single CSV export.
	MaxExportRows = 5000
	// MaxPage bounds the page number so the row offset cannot overflow.
	MaxPage = 100000
)

// Repository is the storage port of the audit trail.
type Repository interface {
	Timeline(ctx context.Context, q Query) ([]TimelineRow, error)
}

// Service pages through the audit trail.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of entries. One extra row is fetched to learn
// whether a next page exists.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	rows, err := s.repo.Timeline(ctx, queryFor(filters, (page-1)*pageSize, pageSize+1))
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching entry up to MaxExportRows.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.Timeline(ctx, queryFor(filters, 0, MaxExportRows))
}

func queryFor(f TimelineFilters, offset, limit int) Query {
	return Query{
		From:   f.From,
		To:     f.To,
		Actor:  f.Actor,
		Entity: f.Entity,
		Action: f.Action,
		Offset: offset,
		Limit:  limit,
	}
}
