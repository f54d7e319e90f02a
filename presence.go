package gophxchannels

import (
	"fmt"
	"sort"
	"sync"
)

// PresenceMeta is one connection's metadata under a presence key. The
// "phx_ref" field identifies the connection.
type PresenceMeta map[string]interface{}

// PhxRef returns the meta's connection reference.
func (m PresenceMeta) PhxRef() string {
	ref, _ := m["phx_ref"].(string)
	return ref
}

// PresenceEntry holds every meta tracked under one key.
type PresenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

// PresenceState maps presence keys to their entries. Entries never have an
// empty meta list; such keys are deleted.
type PresenceState map[string]*PresenceEntry

// PresenceCallback is invoked on joins and leaves. For joins current is the
// entry before the merge (nil for a new key); for leaves it is the entry
// after the metas were removed.
type PresenceCallback func(key string, current, changed *PresenceEntry)

// Clone returns a deep copy of the state.
func (s PresenceState) Clone() PresenceState {
	if s == nil {
		return nil
	}
	out := make(PresenceState, len(s))
	for key, entry := range s {
		out[key] = entry.Clone()
	}
	return out
}

// Clone returns a deep copy of the entry.
func (e *PresenceEntry) Clone() *PresenceEntry {
	if e == nil {
		return nil
	}
	metas := make([]PresenceMeta, len(e.Metas))
	for i, meta := range e.Metas {
		metas[i] = meta.Clone()
	}
	return &PresenceEntry{Metas: metas}
}

// Clone returns a deep copy of the meta.
func (m PresenceMeta) Clone() PresenceMeta {
	if m == nil {
		return nil
	}
	out := make(PresenceMeta, len(m))
	for key, value := range m {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			out[key] = cloneValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = cloneValue(inner)
		}
		return out
	case PresenceMeta:
		return v.Clone()
	default:
		return v
	}
}

func refSet(metas []PresenceMeta) map[string]struct{} {
	refs := make(map[string]struct{}, len(metas))
	for _, meta := range metas {
		refs[meta.PhxRef()] = struct{}{}
	}
	return refs
}

// SyncState folds an authoritative snapshot into current and returns the
// result. current is not modified. Keys missing from incoming and metas
// whose phx_ref disappeared become leaves; new keys and new metas become
// joins.
func SyncState(current, incoming PresenceState, onJoin, onLeave PresenceCallback) PresenceState {
	state := current.Clone()
	if state == nil {
		state = make(PresenceState)
	}
	joins := make(PresenceState)
	leaves := make(PresenceState)

	for key, presence := range state {
		if _, ok := incoming[key]; !ok {
			leaves[key] = presence.Clone()
		}
	}

	for key, newPresence := range incoming {
		if newPresence == nil {
			continue
		}
		currentPresence, ok := state[key]
		if !ok {
			joins[key] = newPresence.Clone()
			continue
		}

		newRefs := refSet(newPresence.Metas)
		curRefs := refSet(currentPresence.Metas)

		var joinedMetas, leftMetas []PresenceMeta
		for _, meta := range newPresence.Metas {
			if _, seen := curRefs[meta.PhxRef()]; !seen {
				joinedMetas = append(joinedMetas, meta.Clone())
			}
		}
		for _, meta := range currentPresence.Metas {
			if _, kept := newRefs[meta.PhxRef()]; !kept {
				leftMetas = append(leftMetas, meta.Clone())
			}
		}

		if len(joinedMetas) > 0 {
			joins[key] = &PresenceEntry{Metas: joinedMetas}
		}
		if len(leftMetas) > 0 {
			leaves[key] = &PresenceEntry{Metas: leftMetas}
		}
	}

	return SyncDiff(state, joins, leaves, onJoin, onLeave)
}

// SyncDiff applies joins and then leaves to state, mutating and returning it.
// A nil state is treated as empty.
func SyncDiff(state, joins, leaves PresenceState, onJoin, onLeave PresenceCallback) PresenceState {
	if state == nil {
		state = make(PresenceState)
	}
	if onJoin == nil {
		onJoin = func(string, *PresenceEntry, *PresenceEntry) {}
	}
	if onLeave == nil {
		onLeave = func(string, *PresenceEntry, *PresenceEntry) {}
	}

	for _, key := range sortedKeys(joins) {
		newPresence := joins[key]
		if newPresence == nil {
			continue
		}
		currentPresence := state[key]

		merged := newPresence.Clone()
		if currentPresence != nil {
			metas := make([]PresenceMeta, 0, len(currentPresence.Metas)+len(merged.Metas))
			metas = append(metas, currentPresence.Metas...)
			metas = append(metas, merged.Metas...)
			merged.Metas = metas
		}
		if len(merged.Metas) == 0 {
			continue
		}
		state[key] = merged

		onJoin(key, currentPresence, newPresence)
	}

	for _, key := range sortedKeys(leaves) {
		leftPresence := leaves[key]
		currentPresence, ok := state[key]
		if !ok || leftPresence == nil {
			continue
		}

		refsToRemove := refSet(leftPresence.Metas)
		remaining := make([]PresenceMeta, 0, len(currentPresence.Metas))
		for _, meta := range currentPresence.Metas {
			if _, drop := refsToRemove[meta.PhxRef()]; !drop {
				remaining = append(remaining, meta)
			}
		}
		currentPresence.Metas = remaining

		onLeave(key, currentPresence, leftPresence)

		if len(currentPresence.Metas) == 0 {
			delete(state, key)
		}
	}

	return state
}

// List returns the entries of state ordered by key.
func List(state PresenceState) []*PresenceEntry {
	return ListBy(state, func(_ string, entry *PresenceEntry) *PresenceEntry {
		return entry
	})
}

// ListBy maps chooser over state ordered by key.
func ListBy[T any](state PresenceState, chooser func(key string, entry *PresenceEntry) T) []T {
	out := make([]T, 0, len(state))
	for _, key := range sortedKeys(state) {
		out = append(out, chooser(key, state[key]))
	}
	return out
}

func sortedKeys(state PresenceState) []string {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DecodePresenceState converts a decoded JSON payload of the form
// {key: {"metas": [{...}, ...]}} into a PresenceState.
func DecodePresenceState(payload interface{}) (PresenceState, error) {
	switch p := payload.(type) {
	case nil:
		return PresenceState{}, nil
	case PresenceState:
		return p.Clone(), nil
	case map[string]interface{}:
		state := make(PresenceState, len(p))
		for key, raw := range p {
			entry, err := decodePresenceEntry(raw)
			if err != nil {
				return nil, fmt.Errorf("presence %q: %w", key, err)
			}
			state[key] = entry
		}
		return state, nil
	default:
		return nil, fmt.Errorf("invalid presence payload type %T", payload)
	}
}

func decodePresenceEntry(raw interface{}) (*PresenceEntry, error) {
	fields, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid entry type %T", raw)
	}
	rawMetas, ok := fields["metas"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing metas")
	}

	entry := &PresenceEntry{Metas: make([]PresenceMeta, 0, len(rawMetas))}
	for _, rawMeta := range rawMetas {
		meta, ok := rawMeta.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid meta type %T", rawMeta)
		}
		entry.Metas = append(entry.Metas, PresenceMeta(meta).Clone())
	}
	return entry, nil
}

// Presence event names used by Phoenix.Presence on the server.
const (
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Presence keeps a channel's presence state in sync with the server's
// presence_state and presence_diff events. Diffs that arrive before the
// first state are held and applied after it.
type Presence struct {
	channel *Channel

	mu           sync.Mutex
	state        PresenceState
	pendingDiffs []presenceDiff
	synced       bool
	onJoin       PresenceCallback
	onLeave      PresenceCallback
	onSync       func()
}

type presenceDiff struct {
	joins  PresenceState
	leaves PresenceState
}

// NewPresence binds a presence tracker to ch.
func NewPresence(ch *Channel) *Presence {
	p := &Presence{
		channel: ch,
		state:   make(PresenceState),
	}
	ch.On(EventPresenceState, p.handleState)
	ch.On(EventPresenceDiff, p.handleDiff)
	return p
}

// OnJoin sets the callback fired for every join.
func (p *Presence) OnJoin(callback PresenceCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoin = callback
}

// OnLeave sets the callback fired for every leave.
func (p *Presence) OnLeave(callback PresenceCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeave = callback
}

// OnSync sets the callback fired after each state or diff is applied.
func (p *Presence) OnSync(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = callback
}

// State returns a copy of the current presence state.
func (p *Presence) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// List returns the current entries ordered by key.
func (p *Presence) List() []*PresenceEntry {
	return List(p.State())
}

// InPendingSyncState reports whether diffs are being held for a state.
func (p *Presence) InPendingSyncState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.synced
}

// handleState applies a full snapshot. Join and leave callbacks run with the
// tracker lock held and must not call back into p.
func (p *Presence) handleState(payload interface{}) {
	incoming, err := DecodePresenceState(payload)
	if err != nil {
		p.channel.logger.Warn().Err(err).Msg("dropping presence state")
		return
	}

	p.mu.Lock()
	p.state = SyncState(p.state, incoming, p.onJoin, p.onLeave)
	for _, diff := range p.pendingDiffs {
		p.state = SyncDiff(p.state, diff.joins, diff.leaves, p.onJoin, p.onLeave)
	}
	p.pendingDiffs = nil
	p.synced = true
	onSync := p.onSync
	p.mu.Unlock()

	if onSync != nil {
		onSync()
	}
}

func (p *Presence) handleDiff(payload interface{}) {
	fields, ok := payload.(map[string]interface{})
	if !ok {
		p.channel.logger.Warn().Msgf("dropping presence diff of type %T", payload)
		return
	}
	joins, err := DecodePresenceState(fields["joins"])
	if err != nil {
		p.channel.logger.Warn().Err(err).Msg("dropping presence diff joins")
		return
	}
	leaves, err := DecodePresenceState(fields["leaves"])
	if err != nil {
		p.channel.logger.Warn().Err(err).Msg("dropping presence diff leaves")
		return
	}

	p.mu.Lock()
	if !p.synced {
		p.pendingDiffs = append(p.pendingDiffs, presenceDiff{joins: joins, leaves: leaves})
		p.mu.Unlock()
		return
	}
	p.state = SyncDiff(p.state, joins, leaves, p.onJoin, p.onLeave)
	onSync := p.onSync
	p.mu.Unlock()

	if onSync != nil {
		onSync()
	}
}
