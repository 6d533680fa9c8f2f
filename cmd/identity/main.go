// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command identity is the Tasklane identity-provider service.
package main

import (
	"os"

	"github.com/tasklane/identity/cmd/identity/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
