// Package auth supplies opaque bearer credentials to the transport layer.
// Acquiring or refreshing a credential (login flows, consent) happens
// outside this process; the relay only reads, invalidates, and watches it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNoCredential is returned when no usable token is available.
var ErrNoCredential = errors.New("no credential available")

// Provider is the credential contract consumed by the connection session.
type Provider interface {
	// Token returns the current bearer token, or "" if none is available.
	// It is a best-effort read and never blocks on I/O beyond a local read.
	Token() string

	// Ensure returns a usable token, refreshing the local view first.
	Ensure(ctx context.Context) (string, error)

	// Clear invalidates the local credential, typically after the peer
	// rejected it. The next connect attempt will find no token.
	Clear()
}

// FileProvider reads a bearer token from a file maintained by an external
// login flow. The file content is the raw token, whitespace-trimmed.
type FileProvider struct {
	path string

	mu     sync.RWMutex
	cached string
}

// NewFileProvider creates a provider backed by the given token file.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Token returns the cached token, falling back to a file read.
func (p *FileProvider) Token() string {
	p.mu.RLock()
	cached := p.cached
	p.mu.RUnlock()
	if cached != "" {
		return cached
	}

	token, err := p.read()
	if err != nil {
		return ""
	}

	p.mu.Lock()
	p.cached = token
	p.mu.Unlock()
	return token
}

// Ensure re-reads the token file and returns the token, or ErrNoCredential
// if the file is absent or empty.
func (p *FileProvider) Ensure(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := p.read()
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	if token == "" {
		return "", ErrNoCredential
	}

	p.mu.Lock()
	p.cached = token
	p.mu.Unlock()
	return token, nil
}

// Clear invalidates the credential: the cache is dropped and the token
// file removed so a rejected token is not picked up again. Removal is
// best-effort; a token left on disk is just rejected again and replaced
// by the next login.
func (p *FileProvider) Clear() {
	p.mu.Lock()
	p.cached = ""
	p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return
	}
}

func (p *FileProvider) read() (string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// StaticProvider returns a fixed token, useful in tests and for hosts that
// pass the credential through the environment.
type StaticProvider struct {
	mu    sync.RWMutex
	token string
}

// NewStaticProvider creates a provider with a fixed token.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// Token returns the stored token.
func (p *StaticProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Ensure returns the stored token or ErrNoCredential when cleared.
func (p *StaticProvider) Ensure(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoCredential
	}
	return p.token, nil
}

// Clear drops the stored token.
func (p *StaticProvider) Clear() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

// Set replaces the stored token.
func (p *StaticProvider) Set(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}
