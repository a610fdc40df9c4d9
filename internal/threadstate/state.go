// Package threadstate owns the bot's in-process shared mutable state:
// persona reply cooldowns, ad-hoc thread continuity, channel idle stamps,
// the processed-message dedup LRU, and the proactive/code-watch throttles.
//
// Every map has its own lock; no cross-map atomicity is needed. Consumers
// never touch the maps directly. All of this is best-effort state that is
// rebuilt from chat history after a restart.
package threadstate

import (
	"sync"
	"time"
)

const (
	// PersonaReplyCooldown is the minimum gap between two replies by the
	// same persona in the same thread.
	PersonaReplyCooldown = 45 * time.Second

	// AdHocMemoryTTL is how long a persona stays "remembered" on a thread
	// it spoke in outside any discussion.
	AdHocMemoryTTL = time.Hour

	// DedupCapacity bounds the processed-message LRU.
	DedupCapacity = 2000
)

type threadKey struct {
	channel string
	thread  string
}

type personaKey struct {
	channel string
	thread  string
	persona string
}

type remembered struct {
	personaID string
	expiresAt time.Time
}

// Manager is the single owner of all shared thread/channel state.
type Manager struct {
	now func() time.Time

	cooldownMu sync.Mutex
	cooldowns  map[personaKey]time.Time

	cadenceMu sync.Mutex
	cadence   map[personaKey]int

	adhocMu sync.Mutex
	adhoc   map[threadKey]remembered

	activityMu sync.Mutex
	activity   map[string]time.Time

	dedupMu sync.Mutex
	dedup   *lru

	proactiveMu sync.Mutex
	proactive   map[string]time.Time

	codeWatchMu sync.Mutex
	codeWatch   map[string]time.Time
}

// NewManager returns an empty state manager.
func NewManager() *Manager {
	return &Manager{
		now:       time.Now,
		cooldowns: make(map[personaKey]time.Time),
		cadence:   make(map[personaKey]int),
		adhoc:     make(map[threadKey]remembered),
		activity:  make(map[string]time.Time),
		dedup:     newLRU(DedupCapacity),
		proactive: make(map[string]time.Time),
		codeWatch: make(map[string]time.Time),
	}
}

// IsOnCooldown reports whether the persona replied to this thread within
// the cooldown window. Reaction-only paths do not consult this.
func (m *Manager) IsOnCooldown(channel, thread, personaID string) bool {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	last, ok := m.cooldowns[personaKey{channel, thread, personaID}]
	return ok && m.now().Sub(last) < PersonaReplyCooldown
}

// MarkReplied stamps the persona's last reply time for the thread.
func (m *Manager) MarkReplied(channel, thread, personaID string) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	m.cooldowns[personaKey{channel, thread, personaID}] = m.now()
}

// NextCadence increments and returns the persona's per-thread post counter,
// used by the reply handler's emoji cadence.
func (m *Manager) NextCadence(channel, thread, personaID string) int {
	m.cadenceMu.Lock()
	defer m.cadenceMu.Unlock()
	k := personaKey{channel, thread, personaID}
	m.cadence[k]++
	return m.cadence[k]
}

// RememberPersona records ad-hoc continuity: this persona owns the thread
// for the next hour.
func (m *Manager) RememberPersona(channel, thread, personaID string) {
	m.adhocMu.Lock()
	defer m.adhocMu.Unlock()
	m.adhoc[threadKey{channel, thread}] = remembered{
		personaID: personaID,
		expiresAt: m.now().Add(AdHocMemoryTTL),
	}
}

// RememberedPersona returns the persona remembered for the thread, if any.
// Expired entries are deleted lazily on lookup.
func (m *Manager) RememberedPersona(channel, thread string) (string, bool) {
	m.adhocMu.Lock()
	defer m.adhocMu.Unlock()
	k := threadKey{channel, thread}
	r, ok := m.adhoc[k]
	if !ok {
		return "", false
	}
	if m.now().After(r.expiresAt) {
		delete(m.adhoc, k)
		return "", false
	}
	return r.personaID, true
}

// TouchChannel records channel activity for idle detection.
func (m *Manager) TouchChannel(channel string) {
	m.activityMu.Lock()
	defer m.activityMu.Unlock()
	m.activity[channel] = m.now()
}

// LastChannelActivity returns the channel's last activity time; the zero
// time means the channel has never been seen.
func (m *Manager) LastChannelActivity(channel string) time.Time {
	m.activityMu.Lock()
	defer m.activityMu.Unlock()
	return m.activity[channel]
}

// RememberMessageKey atomically checks and inserts a processed-message key.
// It returns true when the key is new (the caller should handle the event)
// and false on a duplicate delivery.
func (m *Manager) RememberMessageKey(key string) bool {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	if m.dedup.contains(key) {
		return false
	}
	m.dedup.add(key)
	return true
}

// LastProactiveAt returns when the bot last posted proactively in channel.
func (m *Manager) LastProactiveAt(channel string) time.Time {
	m.proactiveMu.Lock()
	defer m.proactiveMu.Unlock()
	return m.proactive[channel]
}

// SetLastProactiveAt stamps the proactive-post throttle for channel.
func (m *Manager) SetLastProactiveAt(channel string) {
	m.proactiveMu.Lock()
	defer m.proactiveMu.Unlock()
	m.proactive[channel] = m.now()
}

// LastCodeWatchAt returns when the project was last audited.
func (m *Manager) LastCodeWatchAt(projectPath string) time.Time {
	m.codeWatchMu.Lock()
	defer m.codeWatchMu.Unlock()
	return m.codeWatch[projectPath]
}

// SetLastCodeWatchAt stamps the per-project audit throttle.
func (m *Manager) SetLastCodeWatchAt(projectPath string) {
	m.codeWatchMu.Lock()
	defer m.codeWatchMu.Unlock()
	m.codeWatch[projectPath] = m.now()
}
