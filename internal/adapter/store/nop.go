package store

import (
	"context"

	"callbridge/internal/domain"
)

// NopHistory discards records. It is used when no store path is configured.
type NopHistory struct{}

func (NopHistory) Record(context.Context, domain.CallState) error { return nil }

func (NopHistory) Recent(context.Context, int) ([]domain.CallState, error) { return nil, nil }

func (NopHistory) Close() error { return nil }

var _ domain.CallHistory = NopHistory{}

// Open returns a SQLite history at path, or NopHistory when path is empty.
func Open(path string) (domain.CallHistory, error) {
	if path == "" {
		return NopHistory{}, nil
	}
	return NewSQLiteHistory(path)
}
