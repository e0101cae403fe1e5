package graphql

import (
	"strings"
	"sync"
)

type cookieKey struct {
	name   string
	domain string
}

// Jar holds the client-side cookies the storefront reads and clears. Cookies
// are scoped by name and domain; an empty domain is a host-only cookie.
type Jar struct {
	mu      sync.RWMutex
	cookies map[cookieKey]string
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[cookieKey]string)}
}

// Get returns the cookie value for name on domain. Domains compare
// case-insensitively, ignoring a leading dot.
func (j *Jar) Get(name, domain string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	value, ok := j.cookies[cookieKey{name: name, domain: normalizeDomain(domain)}]
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Set stores value; an empty value deletes the cookie.
func (j *Jar) Set(name, domain, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := cookieKey{name: name, domain: normalizeDomain(domain)}
	if value == "" {
		delete(j.cookies, key)
		return
	}
	j.cookies[key] = value
}

// ClearAll drops every cookie regardless of domain.
func (j *Jar) ClearAll() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[cookieKey]string)
}

// Len reports the number of stored cookies.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.cookies)
}

func normalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
