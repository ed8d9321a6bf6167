package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
)

// SecretProvider resolves a secret reference for a single scheme, e.g.
// "env" or "file".
type SecretProvider interface {
	Scheme() string
	Resolve(reference string) (string, error)
}

// SecretRegistry dispatches ${scheme:reference} lookups to registered
// providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry returns an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{providers: make(map[string]SecretProvider)}
}

// Register adds p, replacing any existing provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up scheme's provider and resolves reference.
func (r *SecretRegistry) Resolve(scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(reference)
}

// EnvSecretProvider resolves "env:VAR_NAME" references against the
// process environment.
type EnvSecretProvider struct{}

// Scheme implements SecretProvider.
func (EnvSecretProvider) Scheme() string { return "env" }

// Resolve implements SecretProvider.
func (EnvSecretProvider) Resolve(reference string) (string, error) {
	v, ok := os.LookupEnv(reference)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", reference)
	}
	return v, nil
}

// FileSecretProvider resolves "file:/path" references by reading the
// file's contents.
type FileSecretProvider struct{}

// Scheme implements SecretProvider.
func (FileSecretProvider) Scheme() string { return "file" }

// Resolve implements SecretProvider.
func (FileSecretProvider) Resolve(reference string) (string, error) {
	data, err := os.ReadFile(reference)
	if err != nil {
		return "", fmt.Errorf("reading secret file %s: %w", reference, err)
	}
	return string(data), nil
}

// DefaultSecretRegistry wires the env and file providers, sufficient for
// every deployment that doesn't run its own vault integration.
func DefaultSecretRegistry() *SecretRegistry {
	r := NewSecretRegistry()
	r.Register(EnvSecretProvider{})
	r.Register(FileSecretProvider{})
	return r
}

var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs walks cfg replacing every string field whose full
// value matches ${scheme:reference} with the resolved secret.
func resolveSecretRefs(cfg any, registry *SecretRegistry) error {
	var resolveErr error
	walkStructStrings(reflect.ValueOf(cfg), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if resolveErr != nil {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		resolved, err := registry.Resolve(m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s (${%s:%s}): %w", path, m[1], m[2], err)
			return
		}
		field.SetString(resolved)
	})
	return resolveErr
}

// walkStructStrings walks v recursively, calling fn for every settable
// string field reached through structs, slices of structs, and maps of
// structs. Shared by resolveSecretRefs and RedactConfig.
func walkStructStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		walkStructStrings(v.Elem(), path, fn)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := v.Field(i)
			sf := t.Field(i)
			if !f.CanSet() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}

			switch f.Kind() {
			case reflect.String:
				fn(f, fieldPath, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStructStrings(f, fieldPath, fn)
			case reflect.Slice:
				walkSliceStrings(f, fieldPath, fn)
			case reflect.Map:
				walkMapStrings(f, fieldPath, fn)
			}
		}
	}
}

func walkSliceStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	if v.IsNil() {
		return
	}
	elemType := v.Type().Elem()
	switch elemType.Kind() {
	case reflect.Struct:
		for i := 0; i < v.Len(); i++ {
			walkStructStrings(v.Index(i).Addr(), fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case reflect.Ptr:
		for i := 0; i < v.Len(); i++ {
			walkStructStrings(v.Index(i), fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

func walkMapStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	if v.IsNil() {
		return
	}
	elemType := v.Type().Elem()
	if elemType.Kind() != reflect.Struct {
		return
	}
	for _, key := range v.MapKeys() {
		elem := v.MapIndex(key)
		cp := reflect.New(elemType).Elem()
		cp.Set(elem)
		walkStructStrings(cp.Addr(), fmt.Sprintf("%s[%s]", path, key.String()), fn)
		v.SetMapIndex(key, cp)
	}
}
