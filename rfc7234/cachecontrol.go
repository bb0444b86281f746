// Package rfc7234 implements the HTTP caching semantics a private
// (single-user) client cache needs: Cache-Control parsing, freshness and
// age arithmetic, the strategy deciding between cache and network, Vary
// based secondary keys, and header freshening after validation.
package rfc7234

import (
	"strings"
	"time"
)

// CacheControl holds the parsed directives of one or more Cache-Control
// header lines. Directive names are compared case-insensitively, arguments
// may use token or quoted-string syntax.
type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

func (c CacheControl) NoCache() bool {
	return c.HasDirective("no-cache")
}

func (c CacheControl) NoStore() bool {
	return c.HasDirective("no-store")
}

func (c CacheControl) OnlyIfCached() bool {
	return c.HasDirective("only-if-cached")
}

func (c CacheControl) MustRevalidate() bool {
	return c.HasDirective("must-revalidate")
}

func (c CacheControl) Immutable() bool {
	return c.HasDirective("immutable")
}

// MaxAge returns the max-age directive as a duration.
// The second return value reports whether the directive is present and valid.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("max-age")
}

// SMaxAge returns the s-maxage directive. A single-user cache treats it
// the same as max-age.
func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

func (c CacheControl) MinFresh() (time.Duration, bool) {
	return c.getDeltaSeconds("min-fresh")
}

// MaxStale returns the max-stale directive. A max-stale without an argument
// means any amount of staleness is acceptable; in that case the returned
// duration is the largest representable one.
func (c CacheControl) MaxStale() (time.Duration, bool) {
	val, ok := c.Get("max-stale")
	if !ok {
		return 0, false
	}
	if val == "" {
		return time.Duration(1<<63 - 1), true
	}
	if seconds, ok := deltaSeconds(val); ok {
		return seconds, true
	}
	return 0, false
}

func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	val, ok := c.Get(directive)
	if !ok {
		return 0, false
	}
	return deltaSeconds(val)
}

// ParseCacheControl parses Cache-Control header values into a CacheControl.
// When a directive repeats, the last occurrence wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(parts[0])
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(parts[1], "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}
