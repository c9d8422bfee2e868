package service

import (
	"os"
	"testing"

	"github.com/ayo6706/account-eventsourcing/internal/testutil/dblock"
)

func TestMain(m *testing.M) {
	release := func() {}
	if os.Getenv("DATABASE_URL") != "" {
		release = dblock.Acquire()
	}
	code := m.Run()
	release()
	os.Exit(code)
}
