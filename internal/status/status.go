// Package status decodes the length-delimited binary status blob that
// describes a bitstream's addressable layout. The wire format is
// protobuf-wire-compatible (the original runtime this format was distilled
// from encodes it with prost); this package reads and writes that wire
// format by hand, without a protobuf codegen dependency, following the
// manual-parsing, no-reflection style the rest of this module's driver
// marshaling uses.
package status

import (
	"encoding/binary"
	"fmt"
)

// Decode errors.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func errTruncated(msg string) error     { return &Error{Kind: "truncated_status", Msg: msg} }
func errMalformedVarint() error         { return &Error{Kind: "malformed_varint", Msg: "varint overflow or truncation"} }

// IsTruncated and IsMalformedVarint classify a decode error.
func IsTruncated(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == "truncated_status"
}

func IsMalformedVarint(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == "malformed_varint"
}

// MemoryArea is a {base, size} region descriptor.
type MemoryArea struct {
	Base uint64
	Size uint64
}

// Interrupt is a {mapping, name} pair bound to a PE or platform component.
type Interrupt struct {
	Mapping uint32
	Name    string
}

// Debug is an optional per-PE debug-core descriptor.
type Debug struct {
	Offset uint64
	Size   uint64
}

// PE describes one Processing Element type as laid out in the bitstream.
type PE struct {
	Name        string
	ID          uint32
	Offset      uint64
	Size        uint64
	LocalMemory *MemoryArea
	Debug       *Debug
	Interrupts  []Interrupt
}

// Platform describes one platform component.
type Platform struct {
	Name       string
	Offset     uint64
	Size       uint64
	Interrupts []Interrupt
}

// Clock describes one clock domain.
type Clock struct {
	Name         string
	FrequencyMHz uint32
}

// Version describes one software/toolflow version record.
type Version struct {
	Software     string
	Year         uint32
	Release      uint32
	ExtraVersion string
}

// Status is the fully decoded status blob.
type Status struct {
	ArchBase     MemoryArea
	PlatformBase MemoryArea
	Timestamp    uint64
	PEs          []PE
	Platforms    []Platform
	Clocks       []Clock
	Versions     []Version
}

// PlatformComponentPrefix is stripped from Platform.Name by consumers that
// recognise a well-known component.
const PlatformComponentPrefix = "PLATFORM_COMPONENT_"

// Field numbers for the top-level Status message.
const (
	fieldArchBase     = 1
	fieldPlatformBase = 2
	fieldTimestamp    = 3
	fieldPE           = 4
	fieldPlatform     = 5
	fieldClock        = 6
	fieldVersion      = 7
)

// Field numbers shared by the nested messages.
const (
	fieldMemoryAreaBase = 1
	fieldMemoryAreaSize = 2

	fieldInterruptMapping = 1
	fieldInterruptName    = 2

	fieldDebugOffset = 1
	fieldDebugSize   = 2

	fieldPEName        = 1
	fieldPEID          = 2
	fieldPEOffset      = 3
	fieldPESize        = 4
	fieldPELocalMemory = 5
	fieldPEDebug       = 6
	fieldPEInterrupt   = 7

	fieldPlatformName      = 1
	fieldPlatformOffset    = 2
	fieldPlatformSize      = 3
	fieldPlatformInterrupt = 4

	fieldClockName = 1
	fieldClockFreq = 2

	fieldVersionSoftware = 1
	fieldVersionYear     = 2
	fieldVersionRelease  = 3
	fieldVersionExtra    = 4
)

const (
	wireVarint = 0
	wire64bit  = 1
	wireBytes  = 2
	wire32bit  = 5
)

// cursor is a minimal protobuf-wire reader over a byte slice.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) varint() (uint64, error) {
	var result uint64
	var shift uint
	for {
		if c.pos >= len(c.buf) {
			return 0, errTruncated("varint ran past end of buffer")
		}
		b := c.buf[c.pos]
		c.pos++
		if shift >= 64 {
			return 0, errMalformedVarint()
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func (c *cursor) tag() (fieldNum int, wireType int, err error) {
	v, err := c.varint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 0x7), nil
}

func (c *cursor) bytes() ([]byte, error) {
	n, err := c.varint()
	if err != nil {
		return nil, err
	}
	if uint64(c.remaining()) < n {
		return nil, errTruncated("length-delimited field exceeds buffer")
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

func (c *cursor) fixed64() (uint64, error) {
	if c.remaining() < 8 {
		return 0, errTruncated("fixed64 past end of buffer")
	}
	v := binary.LittleEndian.Uint64(c.buf[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

func (c *cursor) fixed32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, errTruncated("fixed32 past end of buffer")
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

// skip discards a field of the given wire type whose tag has already been
// consumed — the "UnknownField, tolerated if skipping is safe" path.
func (c *cursor) skip(wireType int) error {
	switch wireType {
	case wireVarint:
		_, err := c.varint()
		return err
	case wire64bit:
		_, err := c.fixed64()
		return err
	case wireBytes:
		_, err := c.bytes()
		return err
	case wire32bit:
		_, err := c.fixed32()
		return err
	default:
		return errMalformedVarint()
	}
}

// DecodeLengthDelimited decodes a Status value from a length-delimited
// buffer: the first varint is the message length, followed by exactly that
// many bytes of message content. Extra trailing bytes (e.g. the unused tail
// of an 8 KiB mmap'd region) are ignored.
func DecodeLengthDelimited(data []byte) (*Status, error) {
	c := &cursor{buf: data}
	body, err := c.bytes()
	if err != nil {
		return nil, err
	}
	return decodeStatus(body)
}

func decodeStatus(data []byte) (*Status, error) {
	c := &cursor{buf: data}
	s := &Status{}
	haveArch, havePlatform := false, false

	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldArchBase:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			area, err := decodeMemoryArea(b)
			if err != nil {
				return nil, err
			}
			s.ArchBase = *area
			haveArch = true
		case fieldPlatformBase:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			area, err := decodeMemoryArea(b)
			if err != nil {
				return nil, err
			}
			s.PlatformBase = *area
			havePlatform = true
		case fieldTimestamp:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			s.Timestamp = v
		case fieldPE:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			pe, err := decodePE(b)
			if err != nil {
				return nil, err
			}
			s.PEs = append(s.PEs, *pe)
		case fieldPlatform:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			p, err := decodePlatform(b)
			if err != nil {
				return nil, err
			}
			s.Platforms = append(s.Platforms, *p)
		case fieldClock:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			clk, err := decodeClock(b)
			if err != nil {
				return nil, err
			}
			s.Clocks = append(s.Clocks, *clk)
		case fieldVersion:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			v, err := decodeVersion(b)
			if err != nil {
				return nil, err
			}
			s.Versions = append(s.Versions, *v)
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}

	if !haveArch {
		return nil, errTruncated("missing required field arch_base")
	}
	if !havePlatform {
		return nil, errTruncated("missing required field platform_base")
	}
	return s, nil
}

func decodeMemoryArea(data []byte) (*MemoryArea, error) {
	c := &cursor{buf: data}
	m := &MemoryArea{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldMemoryAreaBase:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			m.Base = v
		case fieldMemoryAreaSize:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			m.Size = v
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func decodeInterrupt(data []byte) (*Interrupt, error) {
	c := &cursor{buf: data}
	i := &Interrupt{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldInterruptMapping:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			i.Mapping = uint32(v)
		case fieldInterruptName:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			i.Name = string(b)
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return i, nil
}

func decodeDebug(data []byte) (*Debug, error) {
	c := &cursor{buf: data}
	d := &Debug{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldDebugOffset:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			d.Offset = v
		case fieldDebugSize:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			d.Size = v
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

func decodePE(data []byte) (*PE, error) {
	c := &cursor{buf: data}
	pe := &PE{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldPEName:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			pe.Name = string(b)
		case fieldPEID:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			pe.ID = uint32(v)
		case fieldPEOffset:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			pe.Offset = v
		case fieldPESize:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			pe.Size = v
		case fieldPELocalMemory:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			area, err := decodeMemoryArea(b)
			if err != nil {
				return nil, err
			}
			pe.LocalMemory = area
		case fieldPEDebug:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			dbg, err := decodeDebug(b)
			if err != nil {
				return nil, err
			}
			pe.Debug = dbg
		case fieldPEInterrupt:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			intr, err := decodeInterrupt(b)
			if err != nil {
				return nil, err
			}
			pe.Interrupts = append(pe.Interrupts, *intr)
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return pe, nil
}

func decodePlatform(data []byte) (*Platform, error) {
	c := &cursor{buf: data}
	p := &Platform{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldPlatformName:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			p.Name = string(b)
		case fieldPlatformOffset:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			p.Offset = v
		case fieldPlatformSize:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			p.Size = v
		case fieldPlatformInterrupt:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			intr, err := decodeInterrupt(b)
			if err != nil {
				return nil, err
			}
			p.Interrupts = append(p.Interrupts, *intr)
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func decodeClock(data []byte) (*Clock, error) {
	c := &cursor{buf: data}
	clk := &Clock{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldClockName:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			clk.Name = string(b)
		case fieldClockFreq:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			clk.FrequencyMHz = uint32(v)
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return clk, nil
}

func decodeVersion(data []byte) (*Version, error) {
	c := &cursor{buf: data}
	v := &Version{}
	for c.remaining() > 0 {
		field, wireType, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldVersionSoftware:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			v.Software = string(b)
		case fieldVersionYear:
			n, err := c.varint()
			if err != nil {
				return nil, err
			}
			v.Year = uint32(n)
		case fieldVersionRelease:
			n, err := c.varint()
			if err != nil {
				return nil, err
			}
			v.Release = uint32(n)
		case fieldVersionExtra:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			v.ExtraVersion = string(b)
		default:
			if err := c.skip(wireType); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// GetPEID looks up a PE's type id by its VLNV name.
func (s *Status) GetPEID(name string) (uint32, bool) {
	for _, pe := range s.PEs {
		if pe.Name == name {
			return pe.ID, true
		}
	}
	return 0, false
}
