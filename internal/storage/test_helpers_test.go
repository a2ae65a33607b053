package storage

import (
	"testing"
)

type repositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func memoryRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	return NewStorage(opts...), func() {}, nil
}

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	return NewStorage(opts...)
}
