// Package env composes the environment handed to the supervised command.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over a base taken from the supervisor's own environment.
type Env struct {
	base Var
	vars Var
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	return &Env{base: parse(os.Environ()), vars: make(Var)}
}

// Empty returns an Env with no inherited base.
func Empty() *Env {
	return &Env{base: make(Var), vars: make(Var)}
}

// WithSet returns a copy with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{base: e.base, vars: make(Var, len(e.vars)+1)}
	for kk, vv := range e.vars {
		cp.vars[kk] = vv
	}
	if k != "" {
		cp.vars[k] = v
	}
	return cp
}

// Set applies "K=V" pairs in order; malformed entries are skipped.
func (e *Env) Set(kvs ...string) {
	for k, v := range parse(kvs) {
		e.vars[k] = v
	}
}

// LoadFile applies a .env style file: KEY=VALUE lines, # comments, blank lines ignored.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := strings.Cut(line, "="); ok {
			k = strings.TrimSpace(k)
			if k != "" {
				e.vars[k] = strings.TrimSpace(v)
			}
		}
	}
	return nil
}

// Merge composes base, layered vars and extra "K=V" overrides (in that order),
// expands ${VAR} references against the composed map and returns a sorted
// "K=V" list.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}

// expand replaces ${VAR} with values from m; single pass, no recursion.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
