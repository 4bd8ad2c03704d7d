package session

import (
	"sync"
	"time"
)

// typingTracker is a small per-room state machine replacing the mutable
// timeout-handle idiom: Idle -> Typing -> (Stopped | Sent) -> Idle.
//
// Rules:
//   - The first input of a burst emits typing:start (at most once per burst).
//   - typing:stop auto-emits after the quiet window with no further input.
//   - Sending a message ends the burst and emits typing:stop immediately.
type typingTracker struct {
	mu      sync.Mutex
	active  bool
	stopped bool // shutdown: no further emissions
	window  time.Duration
	timer   *time.Timer
	onStart func()
	onStop  func()
}

func newTypingTracker(window time.Duration, onStart, onStop func()) *typingTracker {
	return &typingTracker{
		window:  window,
		onStart: onStart,
		onStop:  onStop,
	}
}

// input records one keystroke burst tick: emits start on the Idle->Typing
// edge and re-arms the quiet-window timer.
func (t *typingTracker) input() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	starting := !t.active
	t.active = true

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.window, t.expire)
	t.mu.Unlock()

	if starting {
		t.onStart()
	}
}

// expire fires when the quiet window elapses with no input.
func (t *typingTracker) expire() {
	t.mu.Lock()
	if t.stopped || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	t.onStop()
}

// sent ends the burst because a message went out (or the room was left);
// emits typing:stop if a burst was active.
func (t *typingTracker) sent() {
	t.mu.Lock()
	if t.stopped || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.onStop()
}

// reset cancels an active burst without emitting (the caller already
// emitted an explicit typing:stop).
func (t *typingTracker) reset() {
	t.mu.Lock()
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

// shutdown permanently disables the tracker.
func (t *typingTracker) shutdown() {
	t.mu.Lock()
	t.stopped = true
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
