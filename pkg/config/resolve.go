package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/flink-mesos/pkg/types"
)

// Resolver produces a value for a configuration field, reporting whether
// it was defined at that layer
type Resolver func() (string, bool)

// Value is an explicit override layer; empty strings count as undefined
func Value(v string) Resolver {
	return func() (string, bool) {
		return v, v != ""
	}
}

// FromLookup reads key through lookup; empty values count as undefined
func FromLookup(lookup types.Lookup, key string) Resolver {
	return func() (string, bool) {
		if lookup == nil {
			return "", false
		}
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	}
}

// Env reads a process environment variable
func Env(key string) Resolver {
	return FromLookup(os.LookupEnv, key)
}

// Default always resolves to v
func Default(v string) Resolver {
	return func() (string, bool) {
		return v, true
	}
}

// Resolve returns the first value defined by resolvers, in order
func Resolve(resolvers ...Resolver) (string, bool) {
	for _, r := range resolvers {
		if r == nil {
			continue
		}
		if v, ok := r(); ok {
			return v, true
		}
	}
	return "", false
}

// Require is Resolve for mandatory fields
func Require(field string, resolvers ...Resolver) (string, error) {
	v, ok := Resolve(resolvers...)
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrMissingRequiredValue, field)
	}
	return v, nil
}

// MapLookup adapts a map into a Lookup, mostly for tests and file layers
func MapLookup(m map[string]string) types.Lookup {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}
