package crisis

import "sync"

// testLogger records log messages by level for assertions.
type testLogger struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newTestLogger() *testLogger {
	return &testLogger{messages: make(map[string][]string)}
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[level] = append(l.messages[level], msg)
}

func (l *testLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *testLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *testLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages[level])
}
