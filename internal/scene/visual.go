package scene

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/transbuf"
)

// VisualKind names a visual primitive.
type VisualKind string

const (
	KindPoints   VisualKind = "points"
	KindMarkers  VisualKind = "markers"
	KindPaths    VisualKind = "paths"
	KindSegments VisualKind = "segments"
	KindPixels   VisualKind = "pixels"
	KindTexts    VisualKind = "texts"
	KindImage    VisualKind = "image"
)

// Attribute names shared by visual kinds.
const (
	AttrPositions  = "positions"
	AttrSizes      = "sizes"
	AttrFaceColors = "face_colors"
	AttrEdgeColors = "edge_colors"
	AttrEdgeWidths = "edge_widths"
	AttrAngles     = "angles"
	AttrPathSizes  = "path_sizes"
	AttrColors     = "colors"
	AttrLineWidths = "line_widths"
	AttrFontSizes  = "font_sizes"
	AttrAnchors    = "anchors"
)

type kindSpec struct {
	required []string
	optional []string
}

var kinds = map[VisualKind]kindSpec{
	KindPoints:   {required: []string{AttrPositions, AttrSizes, AttrFaceColors, AttrEdgeColors, AttrEdgeWidths}},
	KindMarkers:  {required: []string{AttrPositions, AttrSizes, AttrFaceColors, AttrEdgeColors, AttrEdgeWidths}, optional: []string{AttrAngles}},
	KindPaths:    {required: []string{AttrPositions, AttrPathSizes, AttrColors, AttrLineWidths}},
	KindSegments: {required: []string{AttrPositions, AttrLineWidths, AttrColors}},
	KindPixels:   {required: []string{AttrPositions, AttrColors}},
	KindTexts:    {required: []string{AttrPositions, AttrColors, AttrFontSizes, AttrAnchors, AttrAngles}},
	KindImage:    {required: []string{AttrPositions}},
}

// Kinds returns every visual kind, sorted.
func Kinds() []VisualKind {
	return slices.Sorted(maps.Keys(kinds))
}

// RequiredAttributes lists the slots a kind must define.
func RequiredAttributes(kind VisualKind) []string {
	return slices.Clone(kinds[kind].required)
}

// Properties are the non-buffer settings of a visual. Only the fields that
// apply to the visual's kind are used.
type Properties struct {
	MarkerShape MarkerShape `json:"marker_shape,omitempty"`
	CapStyle    CapStyle    `json:"cap_style,omitempty"`
	JoinStyle   JoinStyle   `json:"join_style,omitempty"`
	Groups      []int       `json:"groups,omitempty"`
	Strings     []string    `json:"strings,omitempty"`
	FontName    string      `json:"font_name,omitempty"`
	TextureURI  string      `json:"texture_uri,omitempty"`
	ImageExtent [4]float32  `json:"image_extent,omitempty"`
}

// Visual is one drawable primitive whose attributes are slots.
type Visual struct {
	UUID       uuid.UUID
	Kind       VisualKind
	Attributes map[string]transbuf.TransBuffer
	Properties Properties
}

// Validate checks the kind, the attribute set and the kind's properties.
func (v *Visual) Validate() error {
	layout, ok := kinds[v.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidVisual, v.Kind)
	}
	for _, name := range layout.required {
		slot, ok := v.Attributes[name]
		if !ok || slot.IsZero() {
			return fmt.Errorf("%w: %s visual missing %q", ErrInvalidVisual, v.Kind, name)
		}
	}
	for name := range v.Attributes {
		if !slices.Contains(layout.required, name) && !slices.Contains(layout.optional, name) {
			return fmt.Errorf("%w: %s visual has no attribute %q", ErrInvalidVisual, v.Kind, name)
		}
	}
	return v.validateProperties()
}

func (v *Visual) validateProperties() error {
	p := v.Properties
	switch v.Kind {
	case KindMarkers:
		return p.MarkerShape.Validate()
	case KindPaths:
		if err := p.CapStyle.Validate(); err != nil {
			return err
		}
		return p.JoinStyle.Validate()
	case KindSegments:
		return p.CapStyle.Validate()
	case KindTexts:
		if strings.TrimSpace(p.FontName) == "" {
			return fmt.Errorf("%w: texts visual missing font_name", ErrInvalidVisual)
		}
	case KindImage:
		if strings.TrimSpace(p.TextureURI) == "" {
			return fmt.Errorf("%w: image visual missing texture_uri", ErrInvalidVisual)
		}
	}
	return nil
}

// AttributeNames returns the defined attribute names, sorted.
func (v *Visual) AttributeNames() []string {
	return slices.Sorted(maps.Keys(v.Attributes))
}
