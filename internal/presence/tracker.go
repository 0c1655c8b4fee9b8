// Package presence caches the relay's online-user broadcasts and the unread counters it pushes.
package presence

import (
	"sort"
	"sync"
)

// Tracker holds the latest onlineUsers broadcast. It never polls; every
// broadcast replaces the whole set.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// Replace swaps the set for the ids of a new broadcast
func (t *Tracker) Replace(ids []string) {
	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			online[id] = struct{}{}
		}
	}

	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns the online ids, sorted
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Unread maps a sender id to the number of messages from that sender the
// local user has not read yet.
type Unread struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewUnread() *Unread {
	return &Unread{counts: make(map[string]int)}
}

// Set records a pushed count. Zero or negative counts remove the sender.
func (u *Unread) Set(sender string, count int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if count <= 0 {
		delete(u.counts, sender)
		return
	}
	u.counts[sender] = count
}

// Clear forgets the count for sender after its conversation was marked read
func (u *Unread) Clear(sender string) {
	u.Set(sender, 0)
}

func (u *Unread) Get(sender string) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[sender]
}

func (u *Unread) Snapshot() map[string]int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]int, len(u.counts))
	for sender, n := range u.counts {
		out[sender] = n
	}
	return out
}
