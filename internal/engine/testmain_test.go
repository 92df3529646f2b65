package engine

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in this package and checks for goroutine leaks
// afterward — in particular the read/write pump goroutines started by
// Engine.Open, which must exit once Close drains the registry.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
