// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package topic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitJoinRoundTrip(t *testing.T) {
	cases := []string{
		"a",
		"a.b.c",
		"metrics.cpu",
		"a.*.c",
		"a.b.>",
	}
	for _, topic := range cases {
		segs, err := Split(topic)
		require.NoError(t, err)
		require.Equal(t, topic, Join(segs))
	}
}

func TestSplitRejectsMalformed(t *testing.T) {
	_, err := Split("")
	require.Error(t, err)

	long := make([]byte, 251)
	for i := range long {
		long[i] = 'a'
	}
	_, err = Split(string(long))
	require.Error(t, err)

	longSegment := make([]byte, 129)
	for i := range longSegment {
		longSegment[i] = 'b'
	}
	_, err = Split("x." + string(longSegment))
	require.Error(t, err)
}

func TestSplitRejectsMixedWildcardSegment(t *testing.T) {
	// This is a Segmenter-level rule (spec.md §4.2), not filter-only: a
	// plain topic containing "a.too*long" must fail Split itself, so
	// bus.Publish and wire.Decode (both callers of Split, not Compile)
	// reject it too.
	_, err := Split("a.too*long")
	require.Error(t, err)
}

func TestCompileRejectsMixedWildcardSegment(t *testing.T) {
	_, err := Compile("a.too*long")
	require.Error(t, err)
}

func TestCompileRejectsNonFinalTrailingWildcard(t *testing.T) {
	_, err := Compile("a.>.b")
	require.Error(t, err)
}

func TestMatchExamplesFromSpec(t *testing.T) {
	require.True(t, MustCompile(">").Match(MustSplit("a.b.c")))
	require.True(t, MustCompile("a.*.c").Match(MustSplit("a.b.c")))
	require.False(t, MustCompile("a.*.d").Match(MustSplit("a.b.c")))
	require.False(t, MustCompile("a.b.c").Match(MustSplit("a.b")))
	require.True(t, MustCompile("a.b.>").Match(MustSplit("a.b.c.d")))
}

func TestTrailingWildcardMatchesZeroSegments(t *testing.T) {
	require.True(t, MustCompile("a.>").Match(MustSplit("a")))
}

func TestSingleWildcardRequiresExactlyOneSegment(t *testing.T) {
	f := MustCompile("a.*")
	require.True(t, f.Match(MustSplit("a.b")))
	require.False(t, f.Match(MustSplit("a")))
	require.False(t, f.Match(MustSplit("a.b.c")))
}

func TestFilterString(t *testing.T) {
	f := MustCompile("a.*.c")
	require.Equal(t, "a.*.c", f.String())
}
