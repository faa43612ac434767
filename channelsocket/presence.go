package channelsocket

import "sort"

// Meta is one device's presence record (device name, platform, ...).
type Meta map[string]any

// State maps participant id to that participant's meta records. It mirrors
// the server's roster and is only eventually consistent with it.
type State map[string][]Meta

// Diff is an incremental presence update.
type Diff struct {
	Joins  State
	Leaves State
}

// StateFromPayload decodes a presence_state payload, shaped
// {id: {"metas": [...]}}.
func StateFromPayload(payload map[string]any) State {
	state := make(State, len(payload))
	for id, raw := range payload {
		state[id] = metasFrom(raw)
	}
	return state
}

// DiffFromPayload decodes a presence_diff payload, shaped
// {"joins": {...}, "leaves": {...}}.
func DiffFromPayload(payload map[string]any) Diff {
	d := Diff{Joins: State{}, Leaves: State{}}
	if joins, ok := payload["joins"].(map[string]any); ok {
		d.Joins = StateFromPayload(joins)
	}
	if leaves, ok := payload["leaves"].(map[string]any); ok {
		d.Leaves = StateFromPayload(leaves)
	}
	return d
}

func metasFrom(raw any) []Meta {
	entry, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := entry["metas"].([]any)
	if !ok {
		return nil
	}

	metas := make([]Meta, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			metas = append(metas, Meta(m))
		}
	}
	return metas
}

// SyncState folds a full snapshot into current: the union of both, with
// incoming metas winning for overlapping ids. onJoin runs for ids not seen
// before. Returns the merged state.
func SyncState(current, incoming State, onJoin, onLeave func(id string, metas []Meta)) State {
	merged := make(State, len(current)+len(incoming))
	for id, metas := range current {
		merged[id] = metas
	}

	for id, metas := range incoming {
		if _, known := merged[id]; !known && onJoin != nil {
			onJoin(id, metas)
		}
		merged[id] = metas
	}

	return merged
}

// SyncDiff applies joins and leaves to current and returns the result.
func SyncDiff(current State, diff Diff, onJoin, onLeave func(id string, metas []Meta)) State {
	merged := make(State, len(current))
	for id, metas := range current {
		merged[id] = metas
	}

	for id, metas := range diff.Joins {
		if onJoin != nil {
			onJoin(id, metas)
		}
		merged[id] = metas
	}

	for id, metas := range diff.Leaves {
		if _, known := merged[id]; !known {
			continue
		}
		if onLeave != nil {
			onLeave(id, metas)
		}
		delete(merged, id)
	}

	return merged
}

// List returns the participant ids in state, sorted.
func List(state State) []string {
	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
