// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"sort"

	"github.com/AleutianAI/mirrorscope/services/viewer/state"
)

// =============================================================================
// Actions
// =============================================================================

// ActionState is the replica-side snapshot that accompanies an action
// invocation: the action name plus whatever viewer context the replica
// captured at trigger time.
type ActionState struct {
	// Action is the invoked action name.
	Action string

	// Payload is the raw invocation payload as received.
	Payload map[string]any

	// ViewerState is the replica's shared-state snapshot at trigger time,
	// parsed when present, nil otherwise.
	ViewerState *state.ViewerState

	// MouseVoxelCoordinates is the pointer position in voxel space, when the
	// replica captured one.
	MouseVoxelCoordinates []float64

	// SelectedValues maps layer name to the value under the pointer in that
	// layer, when captured.
	SelectedValues map[string]any
}

// ActionHandler handles one action invocation. Handlers run on the process
// run loop, one at a time, in dispatch order.
type ActionHandler func(st *ActionState)

// BindAction registers (or replaces) the handler for an action name and
// mirrors the bound-action list into config state so replicas can offer it.
func (s *Session) BindAction(name string, handler ActionHandler) {
	s.actionsMu.Lock()
	s.actions[name] = handler
	names := make([]string, 0, len(s.actions))
	for n := range s.actions {
		names = append(names, n)
	}
	s.actionsMu.Unlock()
	sort.Strings(names)

	err := s.Config.RetryTxn(func(v *state.ConfigState) error {
		v.Actions = names
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to mirror bound actions into config state",
			"action", name, "error", err)
	}
}

// SetInputBinding maps an input event spec (e.g. "keyt") to a bound action
// name in config state, so replicas trigger the action on that event.
func (s *Session) SetInputBinding(event, action string) error {
	return s.Config.RetryTxn(func(v *state.ConfigState) error {
		if v.InputBindings == nil {
			v.InputBindings = make(map[string]string)
		}
		v.InputBindings[event] = action
		return nil
	})
}

// DispatchAction queues one action invocation onto the run loop. Unknown
// action names are logged and dropped; the transport layer still reports
// whether the name was known at enqueue time.
//
// Returns true when a handler was bound at enqueue time.
func (s *Session) DispatchAction(name string, payload map[string]any) bool {
	s.actionsMu.Lock()
	_, known := s.actions[name]
	s.actionsMu.Unlock()

	s.loop.Defer(func() {
		// Re-resolve at run time: the binding may have changed while queued.
		s.actionsMu.Lock()
		handler, ok := s.actions[name]
		s.actionsMu.Unlock()
		if !ok {
			s.logger.Warn("dropping action with no bound handler", "action", name)
			return
		}
		handler(parseActionState(name, payload))
	})
	return known
}

// parseActionState decodes the invocation payload, tolerating missing or
// malformed optional fields.
func parseActionState(name string, payload map[string]any) *ActionState {
	st := &ActionState{Action: name, Payload: payload}
	if payload == nil {
		return st
	}

	if raw, ok := payload["viewerState"]; ok {
		if parsed, err := state.ParseViewerState(raw); err == nil {
			st.ViewerState = parsed
		}
	}
	if raw, ok := payload["mouseVoxelCoordinates"].([]any); ok {
		coords := make([]float64, 0, len(raw))
		for _, c := range raw {
			f, ok := c.(float64)
			if !ok {
				coords = nil
				break
			}
			coords = append(coords, f)
		}
		st.MouseVoxelCoordinates = coords
	}
	if raw, ok := payload["selectedValues"].(map[string]any); ok {
		st.SelectedValues = raw
	}
	return st
}
