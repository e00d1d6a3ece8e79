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

import "fmt"

// =============================================================================
// Layer Union
// =============================================================================

// Layer is the tagged union of known visualization layer shapes.
//
// The tag is the raw object's "type" field. Unknown tags parse into RawLayer
// so that replicas running newer frontends never lose fields through a
// backend round trip.
type Layer interface {
	// LayerType returns the union tag, e.g. "image".
	LayerType() string

	// LayerName returns the display name shared by all layer kinds.
	LayerName() string

	// rawLayer serializes the layer back to its canonical JSON object.
	rawLayer() map[string]any
}

// ImageLayer is a rendered intensity volume.
type ImageLayer struct {
	Name    string
	Source  any // URL string, source descriptor object, or a local resource
	Opacity float64
	Shader  string
	Visible bool

	// Extra preserves fields this backend does not model.
	Extra map[string]any

	present presence
}

// LayerType implements Layer.
func (l *ImageLayer) LayerType() string { return "image" }

// LayerName implements Layer.
func (l *ImageLayer) LayerName() string { return l.Name }

func (l *ImageLayer) rawLayer() map[string]any {
	m := baseLayerRaw("image", l.Name, l.Source, l.Visible, l.Extra, l.present)
	if l.present.has("opacity") || l.Opacity != 0 {
		m["opacity"] = l.Opacity
	}
	if l.present.has("shader") || l.Shader != "" {
		m["shader"] = l.Shader
	}
	return m
}

// SegmentationLayer is a labeled segmentation volume.
type SegmentationLayer struct {
	Name          string
	Source        any
	SelectedAlpha float64
	Segments      []string // segment ids are serialized as strings (uint64-safe)
	Visible       bool
	Extra         map[string]any

	present presence
}

// LayerType implements Layer.
func (l *SegmentationLayer) LayerType() string { return "segmentation" }

// LayerName implements Layer.
func (l *SegmentationLayer) LayerName() string { return l.Name }

func (l *SegmentationLayer) rawLayer() map[string]any {
	m := baseLayerRaw("segmentation", l.Name, l.Source, l.Visible, l.Extra, l.present)
	if l.present.has("selectedAlpha") || l.SelectedAlpha != 0 {
		m["selectedAlpha"] = l.SelectedAlpha
	}
	if l.Segments != nil {
		m["segments"] = stringsToRaw(l.Segments)
	}
	return m
}

// AnnotationLayer carries point/line/ellipsoid annotations.
type AnnotationLayer struct {
	Name   string
	Source any
	// Annotations is kept raw: annotation geometry is consumed by the
	// frontend only, the backend never interprets it.
	Annotations []any
	Visible     bool
	Extra       map[string]any

	present presence
}

// LayerType implements Layer.
func (l *AnnotationLayer) LayerType() string { return "annotation" }

// LayerName implements Layer.
func (l *AnnotationLayer) LayerName() string { return l.Name }

func (l *AnnotationLayer) rawLayer() map[string]any {
	m := baseLayerRaw("annotation", l.Name, l.Source, l.Visible, l.Extra, l.present)
	if l.Annotations != nil {
		m["annotations"] = l.Annotations
	}
	return m
}

// RawLayer preserves a layer whose type this backend does not model.
type RawLayer struct {
	Type   string
	Fields map[string]any
}

// LayerType implements Layer.
func (l *RawLayer) LayerType() string { return l.Type }

// LayerName implements Layer.
func (l *RawLayer) LayerName() string {
	if name, ok := l.Fields["name"].(string); ok {
		return name
	}
	return ""
}

func (l *RawLayer) rawLayer() map[string]any {
	m := make(map[string]any, len(l.Fields)+1)
	for k, v := range l.Fields {
		m[k] = v
	}
	m["type"] = l.Type
	return m
}

// baseLayerRaw builds the fields shared by every typed layer.
func baseLayerRaw(layerType, name string, source any, visible bool, extra map[string]any, present presence) map[string]any {
	m := make(map[string]any, len(extra)+5)
	for k, v := range extra {
		m[k] = v
	}
	m["type"] = layerType
	if present.has("name") || name != "" {
		m["name"] = name
	}
	if source != nil {
		m["source"] = source
	}
	if present.has("visible") || !visible {
		m["visible"] = visible
	}
	return m
}

// =============================================================================
// ViewerState
// =============================================================================

// ViewerState is the typed view over the collaboratively-edited shared state:
// layers, camera, and layout.
//
// Fields absent from the raw value parse to zero values; fields this struct
// does not model are preserved in Extra. Fields that were present in the raw
// value are re-emitted by Raw even when their typed value is the zero value,
// so a parse/serialize round trip never drops an explicit spelling. The zero
// ViewerState serializes to an empty object.
type ViewerState struct {
	Title             string
	Position          []float64
	CrossSectionScale float64
	ProjectionScale   float64
	Layout            string
	Layers            []Layer
	Extra             map[string]any

	present presence
}

// viewerStateFields are the raw keys ViewerState models directly.
var viewerStateFields = map[string]bool{
	"title":             true,
	"position":          true,
	"crossSectionScale": true,
	"projectionScale":   true,
	"layout":            true,
	"layers":            true,
}

// ParseViewerState parses a raw JSON value into a typed ViewerState.
//
// # Inputs
//
//   - raw: A normalized JSON value. nil parses to the zero state.
//
// # Outputs
//
//   - *ViewerState: Fresh view; shares no storage with raw.
//   - error: A ShapeError (wrapping ErrShape) naming the offending path.
func ParseViewerState(raw any) (*ViewerState, error) {
	if raw == nil {
		return &ViewerState{}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, shapeErr("$", "object", raw)
	}

	s := &ViewerState{present: presenceOf(m,
		"title", "position", "crossSectionScale", "projectionScale", "layout")}
	var err error
	if s.Title, err = optString(m, "title", "title"); err != nil {
		return nil, err
	}
	if s.Position, err = optFloatSlice(m, "position", "position"); err != nil {
		return nil, err
	}
	if s.CrossSectionScale, err = optFloat(m, "crossSectionScale", "crossSectionScale"); err != nil {
		return nil, err
	}
	if s.ProjectionScale, err = optFloat(m, "projectionScale", "projectionScale"); err != nil {
		return nil, err
	}
	if s.Layout, err = optString(m, "layout", "layout"); err != nil {
		return nil, err
	}
	if rawLayers, ok := m["layers"]; ok && rawLayers != nil {
		items, ok := rawLayers.([]any)
		if !ok {
			return nil, shapeErr("layers", "array", rawLayers)
		}
		s.Layers = make([]Layer, 0, len(items))
		for i, item := range items {
			layer, err := parseLayer(item, fmt.Sprintf("layers[%d]", i))
			if err != nil {
				return nil, err
			}
			s.Layers = append(s.Layers, layer)
		}
	}
	for k, v := range m {
		if viewerStateFields[k] {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]any)
		}
		s.Extra[k] = Clone(v)
	}
	return s, nil
}

// parseLayer dispatches on the "type" tag.
func parseLayer(raw any, path string) (Layer, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, shapeErr(path, "object", raw)
	}
	layerType, err := optString(m, "type", path+".type")
	if err != nil {
		return nil, err
	}

	name, err := optString(m, "name", path+".name")
	if err != nil {
		return nil, err
	}
	visible := true
	if rawVisible, ok := m["visible"]; ok {
		b, ok := rawVisible.(bool)
		if !ok {
			return nil, shapeErr(path+".visible", "bool", rawVisible)
		}
		visible = b
	}
	var source any
	if rawSource, ok := m["source"]; ok {
		source = Clone(rawSource)
	}

	switch layerType {
	case "image":
		l := &ImageLayer{Name: name, Source: source, Visible: visible,
			present: presenceOf(m, "name", "visible", "opacity", "shader")}
		if l.Opacity, err = optFloat(m, "opacity", path+".opacity"); err != nil {
			return nil, err
		}
		if l.Shader, err = optString(m, "shader", path+".shader"); err != nil {
			return nil, err
		}
		l.Extra = layerExtra(m, "opacity", "shader")
		return l, nil
	case "segmentation":
		l := &SegmentationLayer{Name: name, Source: source, Visible: visible,
			present: presenceOf(m, "name", "visible", "selectedAlpha")}
		if l.SelectedAlpha, err = optFloat(m, "selectedAlpha", path+".selectedAlpha"); err != nil {
			return nil, err
		}
		if l.Segments, err = optStringSlice(m, "segments", path+".segments"); err != nil {
			return nil, err
		}
		l.Extra = layerExtra(m, "selectedAlpha", "segments")
		return l, nil
	case "annotation":
		l := &AnnotationLayer{Name: name, Source: source, Visible: visible,
			present: presenceOf(m, "name", "visible")}
		if rawAnn, ok := m["annotations"]; ok && rawAnn != nil {
			items, ok := rawAnn.([]any)
			if !ok {
				return nil, shapeErr(path+".annotations", "array", rawAnn)
			}
			l.Annotations = Clone(items).([]any)
		}
		l.Extra = layerExtra(m, "annotations")
		return l, nil
	default:
		fields := make(map[string]any, len(m))
		for k, v := range m {
			if k == "type" {
				continue
			}
			fields[k] = Clone(v)
		}
		return &RawLayer{Type: layerType, Fields: fields}, nil
	}
}

// layerExtra collects raw fields not modeled by the typed layer.
func layerExtra(m map[string]any, modeled ...string) map[string]any {
	known := map[string]bool{"type": true, "name": true, "source": true, "visible": true}
	for _, k := range modeled {
		known[k] = true
	}
	var extra map[string]any
	for k, v := range m {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = Clone(v)
	}
	return extra
}

// Raw serializes the view back to its canonical JSON value.
//
// Raw is the inverse of ParseViewerState up to field ordering: parsing the
// result yields an equal view. Layer Source values are passed through
// untouched so embedded local resources survive until the container's
// transform step replaces them with reference strings.
func (s *ViewerState) Raw() any {
	m := make(map[string]any, len(s.Extra)+6)
	for k, v := range s.Extra {
		m[k] = v
	}
	if s.present.has("title") || s.Title != "" {
		m["title"] = s.Title
	}
	if s.Position != nil {
		m["position"] = floatsToRaw(s.Position)
	}
	if s.present.has("crossSectionScale") || s.CrossSectionScale != 0 {
		m["crossSectionScale"] = s.CrossSectionScale
	}
	if s.present.has("projectionScale") || s.ProjectionScale != 0 {
		m["projectionScale"] = s.ProjectionScale
	}
	if s.present.has("layout") || s.Layout != "" {
		m["layout"] = s.Layout
	}
	if s.Layers != nil {
		layers := make([]any, len(s.Layers))
		for i, l := range s.Layers {
			layers[i] = l.rawLayer()
		}
		m["layers"] = layers
	}
	return m
}
