// Package trustcache keeps the client-side trusted-device assertion: a fingerprint that completed MFA
// and the time that trust ends. It is written to two backends so that losing one does not lose trust.
package trustcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Key identifies the assertion in every backend.
const Key = "atlas.trusted_device"

// DefaultTTL is how long a stored fingerprint stays trusted.
const DefaultTTL = 30 * 24 * time.Hour

// Record is the stored assertion.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Expires     time.Time `json:"expires"`
}

// Backend persists at most one Record under Key. Load returns nil, nil when nothing is stored.
type Backend interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context) error
}

// Cache reads and writes the assertion across a durable vault and a simple store. Either may be nil.
type Cache struct {
	vault  Backend
	simple Backend
	ttl    time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// New returns a Cache with the default 30-day TTL.
func New(vault, simple Backend, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{vault: vault, simple: simple, ttl: DefaultTTL, now: time.Now, log: log}
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Cache) backends() []Backend {
	var out []Backend
	for _, b := range []Backend{c.vault, c.simple} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Store trusts fingerprint until now+TTL. Each backend is written independently; an error is returned
// only when no backend accepted the record.
func (c *Cache) Store(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return errors.New("trustcache: empty fingerprint")
	}
	rec := Record{Fingerprint: fingerprint, Expires: c.now().Add(c.ttl).UTC()}
	var errs []error
	saved := false
	for _, b := range c.backends() {
		if err := b.Save(ctx, rec); err != nil {
			c.log.Warn("trusted device write failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		saved = true
	}
	if !saved {
		return fmt.Errorf("trustcache: no backend stored the record: %w", errors.Join(errs...))
	}
	return nil
}

// Get returns the trusted fingerprint. The vault is read first and the simple store is the fallback.
// An expired copy is deleted from the backend holding it and the next backend is consulted.
func (c *Cache) Get(ctx context.Context) (string, bool) {
	now := c.now()
	for _, b := range c.backends() {
		rec, err := b.Load(ctx)
		if err != nil {
			c.log.Debug("trusted device read failed", zap.Error(err))
			continue
		}
		if rec == nil || rec.Fingerprint == "" {
			continue
		}
		if !now.Before(rec.Expires) {
			if err := b.Delete(ctx); err != nil {
				c.log.Warn("expired trusted device delete failed", zap.Error(err))
			}
			continue
		}
		return rec.Fingerprint, true
	}
	return "", false
}

// IsTrusted reports whether a live record exists for exactly current.
func (c *Cache) IsTrusted(ctx context.Context, current string) bool {
	fp, ok := c.Get(ctx)
	return ok && current != "" && fp == current
}

// Clear removes the record from both backends. Failures are logged.
func (c *Cache) Clear(ctx context.Context) {
	for _, b := range c.backends() {
		if err := b.Delete(ctx); err != nil {
			c.log.Warn("trusted device delete failed", zap.Error(err))
		}
	}
}
