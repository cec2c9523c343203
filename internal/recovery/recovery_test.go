package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	logger, buf := newBufferLogger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "forward.Listener.acceptLoop")
		panic("relay exploded")
	}()
	wg.Wait()

	out := buf.String()
	for _, want := range []string{"panic recovered", "forward.Listener.acceptLoop", "relay exploded", "stack="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestRecoverWithLog_QuietWithoutPanic(t *testing.T) {
	logger, buf := newBufferLogger()

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(nil, "nil-logger")
		panic("no logger")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not finish")
	}
}

func TestRecoverWithCallback(t *testing.T) {
	tests := []struct {
		name       string
		panicValue any
		wantCalled bool
	}{
		{"panics", "control stream desync", true},
		{"returns normally", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger, _ := newBufferLogger()

			var called bool
			var got any
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer RecoverWithCallback(logger, "session", func(r any) {
					called = true
					got = r
				})
				if tc.panicValue != nil {
					panic(tc.panicValue)
				}
			}()
			wg.Wait()

			if called != tc.wantCalled {
				t.Errorf("callback called = %v, want %v", called, tc.wantCalled)
			}
			if got != tc.panicValue {
				t.Errorf("recovered = %v, want %v", got, tc.panicValue)
			}
		})
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	logger, buf := newBufferLogger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithCallback(logger, "nil-callback", nil)
		panic("still logged")
	}()
	wg.Wait()

	if !strings.Contains(buf.String(), "still logged") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

// lockedBuffer lets the test poll log output written by another goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGo(t *testing.T) {
	out := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(out, nil))

	Go(logger, "worker", func() {
		panic("worker failed")
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "worker failed") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("panic was not logged: %s", out.String())
}
