// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUserCode(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateUserCode()
		require.NoError(t, err)

		require.Len(t, code, UserCodeLength+1)
		assert.Equal(t, byte('-'), code[UserCodeLength/2])

		for _, c := range strings.ReplaceAll(code, "-", "") {
			assert.Contains(t, userCodeAlphabet, string(c), "code must only use the unambiguous alphabet")
		}

		assert.False(t, seen[code], "codes must not repeat in a small sample")
		seen[code] = true
	}
}

func TestNormalizeUserCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"canonical form unchanged", "BCDF-GHJK", "BCDF-GHJK"},
		{"lowercase", "bcdf-ghjk", "BCDF-GHJK"},
		{"no hyphen", "BCDFGHJK", "BCDF-GHJK"},
		{"extra whitespace", "  bcdf ghjk\t", "BCDF-GHJK"},
		{"multiple hyphens", "B-C-D-F-G-H-J-K", "BCDF-GHJK"},
		{"wrong length passes through", "BCDF", "BCDF"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizeUserCode(tt.input))
		})
	}
}
