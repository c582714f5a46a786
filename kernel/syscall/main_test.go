package syscall

import (
	"os"
	"testing"

	"zincos/kernel/sync"
)

// TestMain neutralizes IRQGuard's privileged CLI/STI calls for this
// package's test run: Dispatch drives kernel/sched and kernel/ipc, both of
// which take a sync.Lock. See sync.SetInterruptControlForTest.
func TestMain(m *testing.M) {
	enabled := true
	restore := sync.SetInterruptControlForTest(
		func() bool { return enabled },
		func() { enabled = false },
		func() { enabled = true },
	)
	code := m.Run()
	restore()
	os.Exit(code)
}
