// Package jsonexport is the "json" render backend: it writes the resolved
// scene as a JSON document.
package jsonexport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/scene"
)

const Name = "json"

var ErrNotFinished = errors.New("jsonexport: pass not finished")

func init() {
	render.Register(Name, func(opts map[string]string) (render.Backend, error) {
		return New(opts)
	})
}

// Document is the exported scene.
type Document struct {
	Canvas scene.Canvas `json:"canvas"`
	Items  []Item       `json:"items"`
}

type Item struct {
	Index      int                  `json:"index"`
	Viewport   scene.Viewport       `json:"viewport"`
	CameraUUID uuid.UUID            `json:"camera_uuid"`
	VisualUUID uuid.UUID            `json:"visual_uuid"`
	Kind       scene.VisualKind     `json:"visual_kind"`
	Properties scene.Properties     `json:"properties"`
	Attributes map[string]Attribute `json:"attributes"`
}

// Attribute holds either base64 bytes or decoded component values.
type Attribute struct {
	Type   buffer.Type `json:"type"`
	Count  int         `json:"count"`
	Data   []byte      `json:"data,omitempty"`
	Values []float64   `json:"values,omitempty"`
}

// Backend collects items between Begin and End.
type Backend struct {
	decode bool
	indent bool
	doc    Document
	done   bool
}

// New reads the "decode" and "indent" boolean options.
func New(opts map[string]string) (*Backend, error) {
	b := &Backend{}
	var err error
	if b.decode, err = boolOpt(opts, "decode"); err != nil {
		return nil, err
	}
	if b.indent, err = boolOpt(opts, "indent"); err != nil {
		return nil, err
	}
	return b, nil
}

func boolOpt(opts map[string]string, key string) (bool, error) {
	raw, ok := opts[key]
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("jsonexport: option " + key + " must be a boolean")
	}
	return v, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Begin(canvas scene.Canvas) error {
	b.doc = Document{Canvas: canvas, Items: []Item{}}
	b.done = false
	return nil
}

func (b *Backend) DrawItem(_ context.Context, it render.ResolvedItem) error {
	item := Item{
		Index:      it.Index,
		Viewport:   it.Viewport,
		CameraUUID: it.CameraUUID,
		VisualUUID: it.VisualUUID,
		Kind:       it.Kind,
		Properties: it.Properties,
		Attributes: make(map[string]Attribute, len(it.Attributes)),
	}
	for _, name := range it.AttributeNames() {
		buf := it.Attributes[name]
		attr := Attribute{Type: buf.Type(), Count: buf.Count()}
		if b.decode {
			attr.Values = buf.Components()
		} else {
			attr.Data = buf.Data()
		}
		item.Attributes[name] = attr
	}
	b.doc.Items = append(b.doc.Items, item)
	return nil
}

func (b *Backend) End() error {
	b.done = true
	return nil
}

// Document returns the collected scene.
func (b *Backend) Document() Document { return b.doc }

func (b *Backend) WriteTo(w io.Writer) (int64, error) {
	if !b.done {
		return 0, ErrNotFinished
	}
	var (
		payload []byte
		err     error
	)
	if b.indent {
		payload, err = json.MarshalIndent(b.doc, "", "  ")
	} else {
		payload, err = json.Marshal(b.doc)
	}
	if err != nil {
		return 0, err
	}
	n, err := w.Write(append(payload, '\n'))
	return int64(n), err
}
