//go:build tools

// Package tools pins the test runner used by CI: go run gotest.tools/gotestsum
package tools

import (
	_ "gotest.tools/gotestsum"
)
