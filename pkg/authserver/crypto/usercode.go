// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// userCodeAlphabet excludes ambiguous characters (0/O, 1/I/L) so codes
// survive being read over the phone or typed from a TV screen.
const userCodeAlphabet = "BCDFGHJKMNPQRSTVWXZ23456789"

// UserCodeLength is the number of significant characters in a device
// flow user code.
const UserCodeLength = 8

// GenerateUserCode returns a human-typeable device-grant user code in
// the canonical display form "XXXX-XXXX".
func GenerateUserCode() (string, error) {
	buf := make([]byte, UserCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate user code: %w", err)
	}

	var b strings.Builder
	for i, c := range buf {
		if i == UserCodeLength/2 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[int(c)%len(userCodeAlphabet)])
	}
	return b.String(), nil
}

// NormalizeUserCode canonicalizes user input for lookup: uppercases and
// strips separators/whitespace, then reinserts the display hyphen.
func NormalizeUserCode(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(input)))

	if len(cleaned) != UserCodeLength {
		return cleaned
	}
	return cleaned[:UserCodeLength/2] + "-" + cleaned[UserCodeLength/2:]
}
