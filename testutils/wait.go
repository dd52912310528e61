package testutils

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// WaitForAssertion waits for the given assertion to pass, giving up after about five
// seconds, at which point the assertion runs once more against tb.
func WaitForAssertion(tb testing.TB, assertion func(tb testing.TB)) {
	tb.Helper()
	WaitForAssertionWithSleep(tb, 10*time.Millisecond, 500, assertion)
}

// WaitForAssertionWithSleep is like WaitForAssertion with a custom period and number
// of attempts.
func WaitForAssertionWithSleep(tb testing.TB, sleepTime time.Duration, iterations int, assertion func(tb testing.TB)) {
	tb.Helper()
	for i := 0; i < iterations; i++ {
		attempt := &attemptTB{TB: tb}
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assertion(attempt)
		}()
		wg.Wait()
		if !attempt.failed {
			return
		}
		time.Sleep(sleepTime)
	}
	assertion(tb)
}

// attemptTB records failures instead of failing the test.
type attemptTB struct {
	testing.TB
	mu     sync.Mutex
	failed bool
}

func (a *attemptTB) fail() {
	a.mu.Lock()
	a.failed = true
	a.mu.Unlock()
}

func (a *attemptTB) Fail()                                     { a.fail() }
func (a *attemptTB) Error(args ...interface{})                 { a.fail() }
func (a *attemptTB) Errorf(format string, args ...interface{}) { a.fail() }
func (a *attemptTB) Log(args ...interface{})                   {}
func (a *attemptTB) Logf(format string, args ...interface{})   {}

func (a *attemptTB) FailNow() {
	a.fail()
	runtime.Goexit()
}

func (a *attemptTB) Fatal(args ...interface{}) {
	a.FailNow()
}

func (a *attemptTB) Fatalf(format string, args ...interface{}) {
	a.FailNow()
}

func (a *attemptTB) Failed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}
