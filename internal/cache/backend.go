package cache

import (
	"context"
	"errors"
)

// ErrExpired is returned when an entry exists but is past its expiry.
var ErrExpired = errors.New("cache: expired")

// Backend is one cache tier.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

var (
	_ Backend = (*Local)(nil)
	_ Backend = (*Redis)(nil)
)
