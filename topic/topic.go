// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package topic parses dotted hierarchical topic names into segments and
// compiles wildcard filter patterns (`*` for one segment, a trailing `>`
// for zero or more) that match against them.
package topic

import (
	"fmt"
	"strings"
)

const (
	// MaxTopicLength is the maximum length, in bytes, of a topic string.
	MaxTopicLength = 250

	// MaxSegmentLength is the maximum length, in bytes, of one segment.
	MaxSegmentLength = 128

	// SingleWildcard matches exactly one segment.
	SingleWildcard = "*"

	// TrailingWildcard matches zero or more trailing segments; valid only
	// as the final segment of a filter pattern.
	TrailingWildcard = ">"
)

// ErrMalformed is returned by Split and Compile when the input violates
// the topic grammar (length bounds, illegal wildcard placement).
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("topic: malformed: %s", e.Reason)
}

func malformed(format string, args ...interface{}) error {
	return &ErrMalformed{Reason: fmt.Sprintf(format, args...)}
}

// Split parses s into its dotted segments, validating length bounds and
// the wildcard-containment rule: a segment longer than one character may
// not contain `*` or `>` (spec.md §3/§4.2 — this holds for every topic,
// not just filter patterns, since `*`/`>` are only meaningful as a whole
// one-character segment). A single-character segment of exactly `*` or
// `>` is not rejected here — it is only meaningful as a wildcard inside a
// compiled Filter; as a plain topic it is just a literal byte.
func Split(s string) ([]string, error) {
	if len(s) == 0 {
		return nil, malformed("topic is empty")
	}
	if len(s) > MaxTopicLength {
		return nil, malformed("topic exceeds %d bytes", MaxTopicLength)
	}
	segments := strings.Split(s, ".")
	for _, seg := range segments {
		if len(seg) > MaxSegmentLength {
			return nil, malformed("segment %q exceeds %d bytes", seg, MaxSegmentLength)
		}
		if len(seg) > 1 && strings.ContainsAny(seg, SingleWildcard+TrailingWildcard) {
			return nil, malformed("segment %q mixes a wildcard with literal characters", seg)
		}
	}
	return segments, nil
}

// Join is the inverse of Split: it reassembles segments into a dotted
// topic string.
func Join(segments []string) string {
	return strings.Join(segments, ".")
}

// MustSplit is Split, panicking on error; reserved for tests and
// compile-time-known topic literals.
func MustSplit(s string) []string {
	segs, err := Split(s)
	if err != nil {
		panic(err)
	}
	return segs
}

// Filter is a compiled filter pattern, immutable after Compile.
type Filter struct {
	segments []string
	pattern  string
}

// String returns the original dotted pattern the Filter was compiled from.
func (f *Filter) String() string {
	return f.pattern
}

// Compile parses pattern into a Filter, validating the same rules as
// Split plus the wildcard placement rule: `>` is only legal as the last
// segment.
func Compile(pattern string) (*Filter, error) {
	segments, err := Split(pattern)
	if err != nil {
		return nil, err
	}
	for i, seg := range segments {
		if seg == TrailingWildcard && i != len(segments)-1 {
			return nil, malformed("%q wildcard is only valid as the final segment", TrailingWildcard)
		}
	}
	return &Filter{segments: segments, pattern: pattern}, nil
}

// MustCompile is Compile, panicking on error; reserved for tests and
// compile-time-known filter literals.
func MustCompile(pattern string) *Filter {
	f, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

// Match reports whether subject (the segmented form of a topic, as
// returned by Split) matches the filter pattern segments filterSegments.
func Match(filterSegments, subject []string) bool {
	i := 0
	for {
		switch {
		case i == len(filterSegments):
			return i == len(subject)
		case filterSegments[i] == TrailingWildcard:
			return true
		case i == len(subject):
			return false
		case filterSegments[i] == SingleWildcard:
			i++
		case filterSegments[i] == subject[i]:
			i++
		default:
			return false
		}
	}
}

// Match reports whether subject matches the compiled filter f.
func (f *Filter) Match(subject []string) bool {
	return Match(f.segments, subject)
}
