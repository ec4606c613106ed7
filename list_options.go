package main

import (
	"strings"

	"gorm.io/gorm"
)

// SortType selects the ordering direction for list queries.
type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

const (
	// DefaultLimit applies when a request leaves the page size unset or zero.
	DefaultLimit = 10
	// MaxLimit caps the page size a single request can ask for.
	MaxLimit = 100
)

// ListOptions carries the pagination and ordering knobs shared by every
// history-style query (RPC history, signer keys, verification records).
type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty"`
	Sort   *SortType `json:"sort,omitempty"` // Optional sort type (asc/desc)
}

// limitOrDefault clamps the requested page size into [1, MaxLimit].
func (o *ListOptions) limitOrDefault() int {
	if o == nil || o.Limit == 0 {
		return DefaultLimit
	}
	if o.Limit > MaxLimit {
		return MaxLimit
	}
	return int(o.Limit)
}

// applyListOptions turns options into gorm Order/Offset/Limit clauses on
// the sortBy column. A nil options still orders by defaultSort so list
// results stay deterministic.
func applyListOptions(db *gorm.DB, sortBy string, defaultSort SortType, options *ListOptions) *gorm.DB {
	direction := defaultSort
	if options != nil && options.Sort != nil {
		direction = *options.Sort
	}
	db = db.Order(sortBy + " " + strings.ToUpper(string(direction)))

	if options == nil {
		return db
	}
	return db.Offset(int(options.Offset)).Limit(options.limitOrDefault())
}
