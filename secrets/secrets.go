// Package secrets resolves credential keys into ephemeral field maps.
//
// Resolution is a keyed lookup returning short-lived values the worker binds
// under auth.<alias>.<field> for template rendering and executor use.
// Every field is wrapped in template.Sensitive so nothing serializes a
// credential into an event or a log line without an explicit Reveal.
package secrets

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/noetl/noetl-go/template"
)

// ErrNotFound is returned when a credential key does not resolve.
var ErrNotFound = errors.New("credential not found")

// Credential is an ephemeral resolved credential.
type Credential struct {
	// Type labels the credential shape ("postgres", "api_key", "basic").
	Type string

	// Fields holds the sensitive values by field name.
	Fields map[string]template.Sensitive
}

// Reveal returns the plain field map for executor use. The returned map is
// ephemeral and must never be logged or serialized into events.
func (c Credential) Reveal() map[string]string {
	out := make(map[string]string, len(c.Fields))
	for k, v := range c.Fields {
		out[k] = v.Reveal()
	}
	return out
}

// Resolver is the credential lookup contract.
type Resolver interface {
	Resolve(ctx context.Context, key string) (Credential, error)
}

// Memory is an in-memory Resolver for tests and embedded runs.
type Memory struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemory creates an empty in-memory resolver.
func NewMemory() *Memory {
	return &Memory{creds: make(map[string]Credential)}
}

// Put stores a credential under key.
func (m *Memory) Put(key, typ string, fields map[string]string) {
	wrapped := make(map[string]template.Sensitive, len(fields))
	for k, v := range fields {
		wrapped[k] = template.NewSensitive(v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[key] = Credential{Type: typ, Fields: wrapped}
}

// Resolve implements Resolver.
func (m *Memory) Resolve(ctx context.Context, key string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[key]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

// Env resolves credentials from environment variables of the form
// <PREFIX>_<KEY>_<FIELD>=value, with key and field upper-cased.
type Env struct {
	// Prefix defaults to NOETL_SECRET.
	Prefix string

	// Environ is swappable for tests; defaults to os.Environ.
	Environ func() []string
}

// Resolve implements Resolver.
func (e *Env) Resolve(ctx context.Context, key string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	prefix := e.Prefix
	if prefix == "" {
		prefix = "NOETL_SECRET"
	}
	environ := e.Environ
	if environ == nil {
		environ = osEnviron
	}

	want := prefix + "_" + strings.ToUpper(key) + "_"
	fields := make(map[string]template.Sensitive)
	for _, kv := range environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, want) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(name, want))
		fields[field] = template.NewSensitive(value)
	}
	if len(fields) == 0 {
		return Credential{}, ErrNotFound
	}
	return Credential{Type: "env", Fields: fields}, nil
}
