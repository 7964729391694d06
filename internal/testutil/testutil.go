// Package testutil holds helpers shared by the tests of this module.
package testutil

import (
	"flag"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

var runLong = flag.Bool("long", false, "run long tests, e.g. full strength key derivation")

// RequireLong skips t unless the tests run with -long.
func RequireLong(t testing.TB) {
	t.Helper()
	if !*runLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// QuietLogger discards everything; set Out to inspect output.
func QuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
