package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvaskeep/api/internal/scene"
)

type saveCall struct {
	token string
	text  string
}

type fakeSaver struct {
	mu        sync.Mutex
	calls     []saveCall
	responses []func() (SaveResult, error)
	inFlight  int
	maxFlight int
	delay     time.Duration
}

func (f *fakeSaver) Save(ctx context.Context, payload scene.Payload, token, label string) (SaveResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	text := ""
	if len(payload.Nodes) > 0 {
		text = payload.Nodes[0].Text
	}
	f.calls = append(f.calls, saveCall{token: token, text: text})
	var respond func() (SaveResult, error)
	if len(f.responses) > 0 {
		respond = f.responses[0]
		f.responses = f.responses[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if respond != nil {
		return respond()
	}
	return SaveResult{Version: int64(len(f.calls)), Token: "tok-" + token}, nil
}

func (f *fakeSaver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSaver) call(i int) saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func textPayload(text string) scene.Payload {
	return scene.Payload{Nodes: []scene.Node{{ID: "n1", Type: "text", Text: text}}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startController(t *testing.T, saver Saver, token string, payload scene.Payload) *SessionController {
	t.Helper()
	c := NewSessionController(saver, token, payload, Options{
		Interval: 20 * time.Millisecond,
		Debounce: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func TestIntervalSaveWhenDirty(t *testing.T) {
	saver := &fakeSaver{}
	c := startController(t, saver, "T1", textPayload("v0"))

	c.Update(textPayload("v1"))
	waitFor(t, "interval save", func() bool { return saver.callCount() >= 1 })

	if got := saver.call(0); got.token != "T1" || got.text != "v1" {
		t.Errorf("save call = %+v, want token T1 text v1", got)
	}
	waitFor(t, "idle after save", func() bool { return c.State() == StateIdle })
	if c.Token() != "tok-T1" {
		t.Errorf("token = %q, want tok-T1", c.Token())
	}
}

func TestNoSaveWhenClean(t *testing.T) {
	saver := &fakeSaver{}
	c := startController(t, saver, "T1", textPayload("v0"))

	c.SaveNow()
	time.Sleep(60 * time.Millisecond)
	if saver.callCount() != 0 {
		t.Errorf("clean session saved %d times", saver.callCount())
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestDebounceSavesBeforeInterval(t *testing.T) {
	saver := &fakeSaver{}
	c := NewSessionController(saver, "T1", textPayload("v0"), Options{
		Interval: 5 * time.Second, // interval should never fire in this test
		Debounce: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	c.Update(textPayload("v1"))
	c.EditBurstEnded()
	waitFor(t, "debounced save", func() bool { return saver.callCount() >= 1 })
}

func TestConflictIsTerminalUntilResolved(t *testing.T) {
	saver := &fakeSaver{
		responses: []func() (SaveResult, error){
			func() (SaveResult, error) { return SaveResult{}, &ConflictError{CurrentToken: "T9"} },
		},
	}
	c := startController(t, saver, "T1", textPayload("v0"))

	c.Update(textPayload("v1"))
	c.SaveNow()
	waitFor(t, "conflict state", func() bool { return c.State() == StateConflict })
	if c.ConflictToken() != "T9" {
		t.Errorf("conflict token = %q, want T9", c.ConflictToken())
	}

	// no retries while in conflict, not even manual ones
	calls := saver.callCount()
	c.Update(textPayload("v2"))
	c.SaveNow()
	c.EditBurstEnded()
	time.Sleep(80 * time.Millisecond)
	if saver.callCount() != calls {
		t.Fatalf("saved while in conflict: %d calls, want %d", saver.callCount(), calls)
	}

	c.ResolveConflict("T9")
	waitFor(t, "retry after resolve", func() bool { return saver.callCount() > calls })
	if got := saver.call(calls); got.token != "T9" {
		t.Errorf("retry used token %q, want T9", got.token)
	}
}

func TestTransientErrorRetriesOnNextTick(t *testing.T) {
	saver := &fakeSaver{
		responses: []func() (SaveResult, error){
			func() (SaveResult, error) { return SaveResult{}, errors.New("connection reset") },
		},
	}
	c := startController(t, saver, "T1", textPayload("v0"))

	c.Update(textPayload("v1"))
	c.SaveNow()
	waitFor(t, "error state", func() bool { return c.State() == StateError })
	if c.Err() == nil {
		t.Error("Err() = nil after transient failure")
	}

	// next interval tick retries without user action
	waitFor(t, "automatic retry", func() bool { return saver.callCount() >= 2 })
	waitFor(t, "idle after retry", func() bool { return c.State() == StateIdle })
}

func TestMutationDuringSaveKeepsSessionDirty(t *testing.T) {
	saver := &fakeSaver{delay: 30 * time.Millisecond}
	c := startController(t, saver, "T1", textPayload("v0"))

	c.Update(textPayload("v1"))
	c.SaveNow()
	waitFor(t, "saving state", func() bool { return c.State() == StateSaving })

	c.Update(textPayload("v2"))
	waitFor(t, "second save", func() bool { return saver.callCount() >= 2 })
	if got := saver.call(1); got.text != "v2" {
		t.Errorf("second save sent %q, want v2", got.text)
	}
}

func TestAtMostOneSaveInFlight(t *testing.T) {
	saver := &fakeSaver{delay: 20 * time.Millisecond}
	c := startController(t, saver, "T1", textPayload("v0"))

	for i := 0; i < 10; i++ {
		c.Update(textPayload("v" + string(rune('a'+i))))
		c.SaveNow()
		c.EditBurstEnded()
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, "at least two saves", func() bool { return saver.callCount() >= 2 })

	saver.mu.Lock()
	max := saver.maxFlight
	saver.mu.Unlock()
	if max > 1 {
		t.Errorf("observed %d concurrent saves, want at most 1", max)
	}
}
