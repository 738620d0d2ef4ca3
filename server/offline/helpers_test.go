package offline

import (
	"context"
	"errors"
	"sync"

	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
)

type logEntry struct {
	level   string
	message string
}

type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) log(level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, message: message})
}

func (l *testLogger) Debug(message string, _ ...any) { l.log("debug", message) }
func (l *testLogger) Info(message string, _ ...any)  { l.log("info", message) }
func (l *testLogger) Warn(message string, _ ...any)  { l.log("warn", message) }
func (l *testLogger) Error(message string, _ ...any) { l.log("error", message) }

func (l *testLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

// fakeSubmitter records submissions and answers with SubmitFn, or success.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
	SubmitFn  func(item Item) (Outcome, error)
	PingErr   error
}

func (f *fakeSubmitter) Submit(_ context.Context, item Item) (Outcome, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, item.ID)
	fn := f.SubmitFn
	f.mu.Unlock()

	if fn != nil {
		return fn(item)
	}
	return OutcomeSuccess, nil
}

func (f *fakeSubmitter) Ping(context.Context) error {
	return f.PingErr
}

func (f *fakeSubmitter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func transientFailure(Item) (Outcome, error) {
	return OutcomeTransient, errors.New("connection reset")
}

// failingKV fails every write while Fail is set, and reads while FailGet is set.
type failingKV struct {
	*kvstore.MemoryStore
	mu      sync.Mutex
	Fail    bool
	FailGet bool
}

func newFailingKV() *failingKV {
	return &failingKV{MemoryStore: kvstore.NewMemoryStore()}
}

func (f *failingKV) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail = fail
}

func (f *failingKV) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Fail
}

func (f *failingKV) setFailGet(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailGet = fail
}

func (f *failingKV) Get(key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.FailGet
	f.mu.Unlock()
	if fail {
		return nil, errors.New("kv store unavailable")
	}
	return f.MemoryStore.Get(key)
}

func (f *failingKV) Set(key string, value []byte) error {
	if f.failing() {
		return errors.New("kv store unavailable")
	}
	return f.MemoryStore.Set(key, value)
}

func (f *failingKV) Delete(key string) error {
	if f.failing() {
		return errors.New("kv store unavailable")
	}
	return f.MemoryStore.Delete(key)
}

// MockJob is a mock Job that records Close calls
type MockJob struct {
	mu     sync.Mutex
	closed bool
}

func (j *MockJob) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

func (j *MockJob) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

// MockJobScheduler captures the scheduled callback so tests can run it directly
type MockJobScheduler struct {
	mu       sync.Mutex
	jobID    string
	next     cluster.NextWaitInterval
	callback func()
	job      *MockJob
	err      error
}

func (s *MockJobScheduler) Schedule(jobID string, next cluster.NextWaitInterval, callback func()) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.jobID = jobID
	s.next = next
	s.callback = callback
	s.job = &MockJob{}
	return s.job, nil
}

func (s *MockJobScheduler) run() {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	cb()
}
