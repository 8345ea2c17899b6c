package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
)

// LinkDescriptor is the serialized form of one link.
type LinkDescriptor struct {
	LinkType string          `json:"link_type"`
	LinkData json.RawMessage `json:"link_data"`
}

// Descriptor is the serialized form of a transform.
type Descriptor struct {
	TransformUUID uuid.UUID        `json:"transform_uuid"`
	Links         []LinkDescriptor `json:"links"`
}

// BufferLookup resolves buffer references carried by serialized links.
type BufferLookup func(id uuid.UUID) (*buffer.Buffer, bool)

// LinkCodec converts one link variant to and from its link_data.
type LinkCodec struct {
	Encode func(l Link) (any, error)
	Decode func(data json.RawMessage, lookup BufferLookup) (Link, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = make(map[string]LinkCodec)
)

// RegisterLinkCodec registers the codec for a link_type. It panics on a
// duplicate name or an incomplete codec.
func RegisterLinkCodec(linkType string, codec LinkCodec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if codec.Encode == nil || codec.Decode == nil {
		panic("transform: RegisterLinkCodec codec is incomplete")
	}
	if _, dup := codecs[linkType]; dup {
		panic("transform: RegisterLinkCodec called twice for " + linkType)
	}
	codecs[linkType] = codec
}

// LinkTypes returns the registered link_type names, sorted.
func LinkTypes() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func codecFor(linkType string) (LinkCodec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	c, ok := codecs[linkType]
	if !ok {
		return LinkCodec{}, fmt.Errorf("%w: unknown link_type %q", ErrInvalidChain, linkType)
	}
	return c, nil
}

// EncodeLink serializes l.
func EncodeLink(l Link) (LinkDescriptor, error) {
	if l == nil {
		return LinkDescriptor{}, fmt.Errorf("%w: nil link", ErrInvalidChain)
	}
	c, err := codecFor(string(l.Kind()))
	if err != nil {
		return LinkDescriptor{}, err
	}
	data, err := c.Encode(l)
	if err != nil {
		return LinkDescriptor{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return LinkDescriptor{}, err
	}
	return LinkDescriptor{LinkType: string(l.Kind()), LinkData: raw}, nil
}

// DecodeLink rebuilds a link, resolving buffer references through lookup.
func DecodeLink(d LinkDescriptor, lookup BufferLookup) (Link, error) {
	c, err := codecFor(d.LinkType)
	if err != nil {
		return nil, err
	}
	return c.Decode(d.LinkData, lookup)
}

// Describe serializes t.
func Describe(t *Transform) (Descriptor, error) {
	out := Descriptor{TransformUUID: t.id, Links: make([]LinkDescriptor, 0, len(t.links))}
	for i, l := range t.links {
		ld, err := EncodeLink(l)
		if err != nil {
			return Descriptor{}, fmt.Errorf("link %d: %w", i, err)
		}
		out.Links = append(out.Links, ld)
	}
	return out, nil
}

// FromDescriptor rebuilds and validates a transform.
func FromDescriptor(d Descriptor, lookup BufferLookup) (*Transform, error) {
	links := make([]Link, 0, len(d.Links))
	for i, ld := range d.Links {
		l, err := DecodeLink(ld, lookup)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		links = append(links, l)
	}
	return NewWithID(d.TransformUUID, links...)
}

// BufferRefs lists the buffers a serialized transform references, in link
// order. Receivers use it to check references before building anything.
func BufferRefs(d Descriptor) ([]uuid.UUID, error) {
	var refs []uuid.UUID
	for i, ld := range d.Links {
		var ref struct {
			BufferUUID        *uuid.UUID `json:"buffer_uuid"`
			OperandBufferUUID *uuid.UUID `json:"operand_buffer_uuid"`
		}
		if len(ld.LinkData) > 0 {
			if err := json.Unmarshal(ld.LinkData, &ref); err != nil {
				return nil, fmt.Errorf("link %d: %w: %v", i, ErrInvalidChain, err)
			}
		}
		if ref.BufferUUID != nil {
			refs = append(refs, *ref.BufferUUID)
		}
		if ref.OperandBufferUUID != nil {
			refs = append(refs, *ref.OperandBufferUUID)
		}
	}
	return refs, nil
}

type accessorData struct {
	Field string `json:"field"`
}

type sourceData struct {
	URI        string      `json:"uri"`
	BufferType buffer.Type `json:"buffer_type"`
}

type networkData struct {
	Endpoint   string      `json:"endpoint"`
	BufferType buffer.Type `json:"buffer_type"`
	TimeoutMS  int64       `json:"timeout_ms,omitempty"`
}

type immediateData struct {
	BufferUUID uuid.UUID `json:"buffer_uuid"`
}

type operatorData struct {
	Operator          string     `json:"operator"`
	Operand           *float64   `json:"operand,omitempty"`
	OperandBufferUUID *uuid.UUID `json:"operand_buffer_uuid,omitempty"`
}

func lookupBuffer(lookup BufferLookup, id uuid.UUID) (*buffer.Buffer, error) {
	if lookup == nil {
		return nil, fmt.Errorf("%w: no buffer lookup for %s", ErrInvalidChain, id)
	}
	b, ok := lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown buffer %s", ErrInvalidChain, id)
	}
	return b, nil
}

func decodeJSON[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return v, nil
}

func init() {
	RegisterLinkCodec(string(KindAccessor), LinkCodec{
		Encode: func(l Link) (any, error) {
			return accessorData{Field: l.(Accessor).Field}, nil
		},
		Decode: func(data json.RawMessage, _ BufferLookup) (Link, error) {
			v, err := decodeJSON[accessorData](data)
			return Accessor{Field: v.Field}, err
		},
	})
	RegisterLinkCodec(string(KindDataSource), LinkCodec{
		Encode: func(l Link) (any, error) {
			ds := l.(DataSource)
			return sourceData{URI: ds.URI, BufferType: ds.Type}, nil
		},
		Decode: func(data json.RawMessage, _ BufferLookup) (Link, error) {
			v, err := decodeJSON[sourceData](data)
			return DataSource{URI: v.URI, Type: v.BufferType}, err
		},
	})
	RegisterLinkCodec(string(KindNetworkSource), LinkCodec{
		Encode: func(l Link) (any, error) {
			ns := l.(NetworkSource)
			return networkData{Endpoint: ns.Endpoint, BufferType: ns.Type, TimeoutMS: ns.Timeout.Milliseconds()}, nil
		},
		Decode: func(data json.RawMessage, _ BufferLookup) (Link, error) {
			v, err := decodeJSON[networkData](data)
			return NetworkSource{
				Endpoint: v.Endpoint,
				Type:     v.BufferType,
				Timeout:  time.Duration(v.TimeoutMS) * time.Millisecond,
			}, err
		},
	})
	RegisterLinkCodec(string(KindImmediate), LinkCodec{
		Encode: func(l Link) (any, error) {
			return immediateData{BufferUUID: l.(Immediate).Buffer.ID()}, nil
		},
		Decode: func(data json.RawMessage, lookup BufferLookup) (Link, error) {
			v, err := decodeJSON[immediateData](data)
			if err != nil {
				return nil, err
			}
			b, err := lookupBuffer(lookup, v.BufferUUID)
			if err != nil {
				return nil, err
			}
			return Immediate{Buffer: b}, nil
		},
	})
	RegisterLinkCodec(string(KindOperator), LinkCodec{
		Encode: func(l Link) (any, error) {
			op := l.(Operator)
			if err := validateLink(op); err != nil {
				return nil, err
			}
			out := operatorData{Operator: string(op.Op)}
			if op.Operand.IsBuffer() {
				id := op.Operand.Buffer.ID()
				out.OperandBufferUUID = &id
			} else {
				v := op.Operand.Scalar
				out.Operand = &v
			}
			return out, nil
		},
		Decode: func(data json.RawMessage, lookup BufferLookup) (Link, error) {
			v, err := decodeJSON[operatorData](data)
			if err != nil {
				return nil, err
			}
			op, err := ParseOp(v.Operator)
			if err != nil {
				return nil, err
			}
			switch {
			case v.OperandBufferUUID != nil:
				b, err := lookupBuffer(lookup, *v.OperandBufferUUID)
				if err != nil {
					return nil, err
				}
				return Operator{Op: op, Operand: BufferOperand(b)}, nil
			case v.Operand != nil:
				return Operator{Op: op, Operand: Scalar(*v.Operand)}, nil
			default:
				return nil, fmt.Errorf("%w: operator without operand", ErrInvalidChain)
			}
		},
	})
}
