package testlog

import (
	"testing"

	"github.com/balena-io-experimental/audio/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	logging.Infof("test=%s", t.Name())
}
