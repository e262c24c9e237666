package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"canvaskeep/api/internal/scene"
)

// State is the autosave lifecycle of an editing session.
type State int

const (
	StateIdle State = iota
	StateDirty
	StateSaving
	StateConflict
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateConflict:
		return "conflict"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	DefaultSaveInterval = 10 * time.Second
	DefaultSaveDebounce = 300 * time.Millisecond
)

// SaveResult is what a successful save returns to the session.
type SaveResult struct {
	Version int64
	Token   string
}

// ConflictError is returned by a Saver when the session's token is stale.
// CurrentToken is the token the winning writer produced.
type ConflictError struct {
	CurrentToken string
}

func (e *ConflictError) Error() string {
	return "save conflict: document was changed by another session"
}

// Saver persists one snapshot. Implementations call the save endpoint (or the
// service directly) with the session's concurrency token.
type Saver interface {
	Save(ctx context.Context, payload scene.Payload, token, label string) (SaveResult, error)
}

// Options tunes the session controller's timers.
type Options struct {
	Interval time.Duration
	Debounce time.Duration
}

// SessionController owns all mutable save state of one editing session: the
// concurrency token, the last-persisted fingerprint, and the save timers.
// Every trigger (interval tick, post-edit debounce, manual save) funnels into
// one trigger channel consumed by a single loop, so at most one save is ever
// in flight without any extra locking around the save itself.
type SessionController struct {
	saver    Saver
	interval time.Duration
	debounce time.Duration

	trigger chan struct{}

	mu            sync.Mutex
	state         State
	token         string
	baseline      string
	current       string
	payload       scene.Payload
	conflictToken string
	lastErr       error
	debounceTimer *time.Timer
}

// NewSessionController starts tracking from the given just-loaded payload and
// its server token. The payload's fingerprint becomes the clean baseline.
func NewSessionController(saver Saver, token string, payload scene.Payload, opts Options) *SessionController {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSaveInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultSaveDebounce
	}
	fp := PayloadFingerprint(payload)
	return &SessionController{
		saver:    saver,
		interval: opts.Interval,
		debounce: opts.Debounce,
		trigger:  make(chan struct{}, 1),
		state:    StateIdle,
		token:    token,
		baseline: fp,
		current:  fp,
		payload:  payload,
	}
}

// Run is the single save consumer. It blocks until ctx is cancelled; callers
// run it in its own goroutine.
func (c *SessionController) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		c.save(ctx)
	}
}

// Update records the latest in-memory payload after a mutation. It only flips
// the dirty state; saving is left to the timers.
func (c *SessionController) Update(p scene.Payload) {
	fp := PayloadFingerprint(p)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = p
	c.current = fp
	if c.state == StateIdle && fp != c.baseline {
		c.state = StateDirty
	}
}

// EditBurstEnded arms the short debounce timer so a discrete authoring action
// (finishing typing, dropping in a card) saves well before the next interval
// tick. Re-arming resets a pending timer.
func (c *SessionController) EditBurstEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	if c.state == StateConflict || c.current == c.baseline {
		return
	}
	c.debounceTimer = time.AfterFunc(c.debounce, c.requestSave)
}

// SaveNow is the manual-save trigger. It is not debounced.
func (c *SessionController) SaveNow() {
	c.requestSave()
}

func (c *SessionController) requestSave() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *SessionController) save(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateConflict || c.current == c.baseline {
		c.mu.Unlock()
		return
	}
	payload := c.payload
	sent := c.current
	token := c.token
	c.state = StateSaving
	c.mu.Unlock()

	result, err := c.saver.Save(ctx, payload, token, "")

	c.mu.Lock()
	defer c.mu.Unlock()

	var conflict *ConflictError
	switch {
	case err == nil:
		c.token = result.Token
		c.baseline = sent
		c.lastErr = nil
		if c.current != c.baseline {
			// mutated while the save was in flight; the next tick picks it up
			c.state = StateDirty
		} else {
			c.state = StateIdle
		}
	case errors.As(err, &conflict):
		// terminal until the user resolves it; no auto-merge, no retry
		c.conflictToken = conflict.CurrentToken
		c.state = StateConflict
	default:
		// transient: the dirty comparison still holds, so the next interval
		// tick retries without user action
		c.lastErr = err
		c.state = StateError
	}
}

// ResolveConflict adopts a token the user chose after inspecting the conflict
// (typically the winner's current token after refetching) and re-enables
// saving.
func (c *SessionController) ResolveConflict(adoptToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConflict {
		return
	}
	c.token = adoptToken
	c.conflictToken = ""
	if c.current != c.baseline {
		c.state = StateDirty
	} else {
		c.state = StateIdle
	}
}

func (c *SessionController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SessionController) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ConflictToken reports the winner's token observed on the last conflict.
func (c *SessionController) ConflictToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflictToken
}

// Err reports the last transient save failure.
func (c *SessionController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
