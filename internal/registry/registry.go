// Package registry implements the subdomain-to-client mapping: name
// claiming, uniqueness, and lifecycle tied to the owning connection.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrBadName is returned when a requested name fails normalization:
	// empty, longer than 63 bytes, or containing a non-ASCII-alphanumeric
	// code point.
	ErrBadName = errors.New("bad name")

	// ErrTaken is returned when the normalized name is already claimed by
	// a different connection.
	ErrTaken = errors.New("name already claimed")

	// ErrNotFound is returned by Lookup when no connection holds the name.
	ErrNotFound = errors.New("unregistered or offline")
)

// Conn is the minimal capability the registry needs from a claimed
// connection: a stable identity, used to tell two claimants apart and to
// make Release idempotent and safe against releasing the wrong holder.
type Conn interface {
	ID() string
}

// Registry maps normalized client names to the live connection that
// claimed them. The zero value is not usable; construct with New.
type Registry[T Conn] struct {
	mu     sync.RWMutex
	byName map[string]T
}

// New creates an empty registry.
func New[T Conn]() *Registry[T] {
	return &Registry[T]{byName: make(map[string]T)}
}

// Normalize validates and lowercases a requested name. It is exported so
// callers can validate a name before attempting a claim (e.g. to decide a
// log message) without taking the registry lock.
func Normalize(name string) (string, error) {
	if name == "" || len(name) > 63 {
		return "", ErrBadName
	}
	for _, r := range name {
		if !isASCIIAlnum(r) {
			return "", ErrBadName
		}
	}
	return toLowerASCII(name), nil
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Claim normalizes requested and, if available, associates it with conn.
// Concurrent claims for the same name are serialized by the registry's
// lock: exactly one caller observes a nil error.
//
// On ErrTaken, the normalized name is still returned so callers can use it
// in a log line without normalizing twice.
func (r *Registry[T]) Claim(conn T, requested string) (string, error) {
	name, err := Normalize(requested)
	if err != nil {
		return "", ErrBadName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return name, ErrTaken
	}
	r.byName[name] = conn
	return name, nil
}

// Lookup returns the connection currently claiming name, or ErrNotFound.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byName[name]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return conn, nil
}

// Release removes name's entry, but only if conn is still its current
// holder. Releasing a name the caller never held, or one already released,
// is a no-op: Release is idempotent.
func (r *Registry[T]) Release(name string, conn T) {
	if name == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok && existing.ID() == conn.ID() {
		delete(r.byName, name)
	}
}

// Len returns the number of currently claimed names. Intended for tests
// and diagnostics.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
