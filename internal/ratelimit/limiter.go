// Package ratelimit implements a sliding-window cost limiter used to bound
// per-session user messages, audio bytes, and tool calls.
package ratelimit

import (
	"sync"
	"time"
)

type entry struct {
	ts   time.Time
	cost int
}

// Limiter admits up to MaxTokens total cost within any Window. A MaxTokens
// of zero or below disables the limiter.
type Limiter struct {
	mu        sync.Mutex
	maxTokens int
	window    time.Duration
	events    []entry
	totalCost int
}

// Result of one admission check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// New builds a limiter admitting maxTokens of cost per window.
func New(maxTokens int, window time.Duration) *Limiter {
	return &Limiter{maxTokens: maxTokens, window: window}
}

// Check admits cost at the current time.
func (l *Limiter) Check(cost int) Result {
	return l.CheckAt(cost, time.Now())
}

// CheckAt admits cost at an explicit instant. Events older than the window
// are pruned first.
func (l *Limiter) CheckAt(cost int, now time.Time) Result {
	if l.maxTokens <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	i := 0
	for ; i < len(l.events); i++ {
		if l.events[i].ts.After(cutoff) {
			break
		}
		l.totalCost -= l.events[i].cost
	}
	l.events = l.events[i:]

	if l.totalCost+cost <= l.maxTokens {
		l.events = append(l.events, entry{ts: now, cost: cost})
		l.totalCost += cost
		return Result{Allowed: true}
	}

	var retry time.Duration
	if len(l.events) > 0 {
		retry = l.events[0].ts.Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
	}
	return Result{Allowed: false, RetryAfter: retry}
}
