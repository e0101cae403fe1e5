// Package storage models the client-local key/value store (the browser's
// localStorage) shared by the product cache and the session reload guard.
// Values are opaque strings; callers own their encoding.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned by every operation when no client context exists,
	// for example while rendering on the server.
	ErrUnavailable = errors.New("storage: unavailable outside a client context")
	// ErrQuotaExceeded mirrors the browser's QuotaExceededError.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
)

// Storage is a flat string key/value store. Implementations must be safe for
// concurrent use.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

// Available reports whether s is a usable client-side store.
func Available(s Storage) bool {
	if s == nil {
		return false
	}
	_, unavailable := s.(Unavailable)
	return !unavailable
}

// Unavailable is the server-context store: reads miss and writes are rejected.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (Unavailable) Set(context.Context, string, string) error        { return ErrUnavailable }
func (Unavailable) Remove(context.Context, string) error             { return ErrUnavailable }
func (Unavailable) Keys(context.Context) ([]string, error)           { return nil, ErrUnavailable }
func (Unavailable) DeletePrefix(context.Context, string) error       { return ErrUnavailable }
func (Unavailable) Clear(context.Context) error                      { return ErrUnavailable }
func (Unavailable) Close(context.Context) error                      { return nil }
