// Package env composes the environment handed to the backend process.
package env

import (
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithoutOS drops the OS base so only globals and per-spawn variables apply.
func (e *Env) WithoutOS() {
	e.env = make(Var)
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Load adds the variables of a dotenv file as globals. A missing file is not
// an error.
func (e *Env) Load(path string) error {
	if path == "" {
		return nil
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for k, v := range vars {
		e.Set(k, v)
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply extra (slice of "K=V") overrides
// ${VAR} references are expanded against the composed map (no recursion).
// pinned values are applied last and never expanded. The result is sorted.
func (e *Env) Merge(extra []string, pinned Var) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	expanded := make(Var, len(m)+len(pinned))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	for k, v := range pinned {
		if k != "" {
			expanded[k] = v
		}
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the value of k in a "K=V" list.
func Lookup(list []string, k string) (string, bool) {
	prefix := k + "="
	for _, kv := range list {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
