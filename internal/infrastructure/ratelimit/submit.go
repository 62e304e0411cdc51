package ratelimit

import (
	"sync"
	"time"
)

// clientWindow tracks one client's submissions inside the current
// window plus any active cooldown.
type clientWindow struct {
	count     int
	last      time.Time
	blockedTo time.Time
}

// SubmitLimiter caps how many jobs one client may submit per window.
// Going over the cap starts a cooldown during which every submission
// is rejected with the remaining wait.
type SubmitLimiter struct {
	mu       sync.RWMutex
	clients  map[string]*clientWindow
	max      int
	window   time.Duration
	cooldown time.Duration
}

func NewSubmitLimiter(max int, window, cooldown time.Duration) *SubmitLimiter {
	l := &SubmitLimiter{
		clients:  make(map[string]*clientWindow),
		max:      max,
		window:   window,
		cooldown: cooldown,
	}

	go l.cleanup()

	return l
}

// Allow records a submission attempt and reports whether it may
// proceed. The duration is the remaining cooldown when it may not.
func (l *SubmitLimiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.clients[client]
	if !ok {
		w = &clientWindow{last: now}
		l.clients[client] = w
	}

	if now.Before(w.blockedTo) {
		return false, w.blockedTo.Sub(now)
	}

	if now.Sub(w.last) > l.window {
		w.count = 0
	}

	w.count++
	w.last = now

	if w.count > l.max {
		w.blockedTo = now.Add(l.cooldown)
		return false, l.cooldown
	}

	return true, 0
}

// Reset forgets a client's window entirely.
func (l *SubmitLimiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.clients, client)
}

func (l *SubmitLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := time.Now()

		for client, w := range l.clients {
			if now.Sub(w.last) > l.window*2 && now.After(w.blockedTo) {
				delete(l.clients, client)
			}
		}

		l.mu.Unlock()
	}
}
