// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

// ConfigState is the typed view over a session's ephemeral, server-owned
// configuration state: available actions, input bindings, status text,
// credential blobs, the pending screenshot id, and per-resource liveness
// counters.
//
// Config state is pushed to replicas but never proposed by them, so this
// struct is only ever mutated through the owning session's transactions.
type ConfigState struct {
	// Actions lists the action names replicas may invoke.
	Actions []string

	// InputBindings maps input event specs to action names,
	// e.g. "keyt" -> "my-action".
	InputBindings map[string]string

	// StatusMessages maps arbitrary keys to status-bar text.
	StatusMessages map[string]string

	// Credentials maps provider request keys to credential blobs, mirrored
	// here so late-joining replicas receive them in the config push.
	Credentials map[string]any

	// Screenshot is the pending screenshot id, empty when none is pending.
	Screenshot string

	// SourceGenerations maps local resource tokens to their change counts,
	// letting the frontend detect stale local volumes.
	SourceGenerations map[string]float64

	// Extra preserves fields this backend does not model.
	Extra map[string]any

	present presence
}

// configStateFields are the raw keys ConfigState models directly.
var configStateFields = map[string]bool{
	"actions":            true,
	"inputEventBindings": true,
	"statusMessages":     true,
	"credentials":        true,
	"screenshot":         true,
	"sourceGenerations":  true,
}

// ParseConfigState parses a raw JSON value into a typed ConfigState.
//
// nil parses to the zero state; any non-object raw value is a ShapeError.
func ParseConfigState(raw any) (*ConfigState, error) {
	if raw == nil {
		return &ConfigState{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, shapeErr("$", "object", raw)
	}

	s := &ConfigState{present: presenceOf(m, "screenshot")}
	var err error
	if s.Actions, err = optStringSlice(m, "actions", "actions"); err != nil {
		return nil, err
	}
	if s.InputBindings, err = optStringMap(m, "inputEventBindings", "inputEventBindings"); err != nil {
		return nil, err
	}
	if s.StatusMessages, err = optStringMap(m, "statusMessages", "statusMessages"); err != nil {
		return nil, err
	}
	if rawCreds, ok := m["credentials"]; ok && rawCreds != nil {
		obj, ok := rawCreds.(map[string]any)
		if !ok {
			return nil, shapeErr("credentials", "object", rawCreds)
		}
		s.Credentials = Clone(obj).(map[string]any)
	}
	if s.Screenshot, err = optString(m, "screenshot", "screenshot"); err != nil {
		return nil, err
	}
	if rawGens, ok := m["sourceGenerations"]; ok && rawGens != nil {
		obj, ok := rawGens.(map[string]any)
		if !ok {
			return nil, shapeErr("sourceGenerations", "object", rawGens)
		}
		s.SourceGenerations = make(map[string]float64, len(obj))
		for k, v := range obj {
			f, ok := v.(float64)
			if !ok {
				return nil, shapeErr("sourceGenerations."+k, "number", v)
			}
			s.SourceGenerations[k] = f
		}
	}
	for k, v := range m {
		if configStateFields[k] {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]any)
		}
		s.Extra[k] = Clone(v)
	}
	return s, nil
}

// Raw serializes the view back to its canonical JSON value.
func (s *ConfigState) Raw() any {
	m := make(map[string]any, len(s.Extra)+6)
	for k, v := range s.Extra {
		m[k] = v
	}
	if s.Actions != nil {
		m["actions"] = stringsToRaw(s.Actions)
	}
	if s.InputBindings != nil {
		m["inputEventBindings"] = stringMapToRaw(s.InputBindings)
	}
	if s.StatusMessages != nil {
		m["statusMessages"] = stringMapToRaw(s.StatusMessages)
	}
	if s.Credentials != nil {
		m["credentials"] = s.Credentials
	}
	if s.present.has("screenshot") || s.Screenshot != "" {
		m["screenshot"] = s.Screenshot
	}
	if s.SourceGenerations != nil {
		gens := make(map[string]any, len(s.SourceGenerations))
		for k, v := range s.SourceGenerations {
			gens[k] = v
		}
		m["sourceGenerations"] = gens
	}
	return m
}

// stringMapToRaw converts a string map back to canonical map[string]any form.
func stringMapToRaw(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
