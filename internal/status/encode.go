package status

// Encode support. The real status blob is produced at synthesis time by
// tooling outside this module's scope; these encoders exist so tests (and
// any future simulator-facing producer) can build a wire-compatible blob
// without a protobuf codegen dependency.

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendTag(buf []byte, field, wireType int) []byte {
	return appendVarint(buf, uint64(field)<<3|uint64(wireType))
}

func appendBytesField(buf []byte, field int, data []byte) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendVarint(buf, v)
}

func appendStringField(buf []byte, field int, s string) []byte {
	return appendBytesField(buf, field, []byte(s))
}

func encodeMemoryArea(m MemoryArea) []byte {
	var buf []byte
	buf = appendVarintField(buf, fieldMemoryAreaBase, m.Base)
	buf = appendVarintField(buf, fieldMemoryAreaSize, m.Size)
	return buf
}

func encodeInterrupt(i Interrupt) []byte {
	var buf []byte
	buf = appendVarintField(buf, fieldInterruptMapping, uint64(i.Mapping))
	buf = appendStringField(buf, fieldInterruptName, i.Name)
	return buf
}

func encodeDebug(d Debug) []byte {
	var buf []byte
	buf = appendVarintField(buf, fieldDebugOffset, d.Offset)
	buf = appendVarintField(buf, fieldDebugSize, d.Size)
	return buf
}

func encodePE(pe PE) []byte {
	var buf []byte
	buf = appendStringField(buf, fieldPEName, pe.Name)
	buf = appendVarintField(buf, fieldPEID, uint64(pe.ID))
	buf = appendVarintField(buf, fieldPEOffset, pe.Offset)
	buf = appendVarintField(buf, fieldPESize, pe.Size)
	if pe.LocalMemory != nil {
		buf = appendBytesField(buf, fieldPELocalMemory, encodeMemoryArea(*pe.LocalMemory))
	}
	if pe.Debug != nil {
		buf = appendBytesField(buf, fieldPEDebug, encodeDebug(*pe.Debug))
	}
	for _, intr := range pe.Interrupts {
		buf = appendBytesField(buf, fieldPEInterrupt, encodeInterrupt(intr))
	}
	return buf
}

func encodePlatform(p Platform) []byte {
	var buf []byte
	buf = appendStringField(buf, fieldPlatformName, p.Name)
	buf = appendVarintField(buf, fieldPlatformOffset, p.Offset)
	buf = appendVarintField(buf, fieldPlatformSize, p.Size)
	for _, intr := range p.Interrupts {
		buf = appendBytesField(buf, fieldPlatformInterrupt, encodeInterrupt(intr))
	}
	return buf
}

func encodeClock(c Clock) []byte {
	var buf []byte
	buf = appendStringField(buf, fieldClockName, c.Name)
	buf = appendVarintField(buf, fieldClockFreq, uint64(c.FrequencyMHz))
	return buf
}

func encodeVersion(v Version) []byte {
	var buf []byte
	buf = appendStringField(buf, fieldVersionSoftware, v.Software)
	buf = appendVarintField(buf, fieldVersionYear, uint64(v.Year))
	buf = appendVarintField(buf, fieldVersionRelease, uint64(v.Release))
	buf = appendStringField(buf, fieldVersionExtra, v.ExtraVersion)
	return buf
}

// Encode serializes s to its protobuf-wire message bytes (without the
// outer length-delimited framing — use EncodeLengthDelimited for that).
func Encode(s *Status) []byte {
	var buf []byte
	buf = appendBytesField(buf, fieldArchBase, encodeMemoryArea(s.ArchBase))
	buf = appendBytesField(buf, fieldPlatformBase, encodeMemoryArea(s.PlatformBase))
	buf = appendVarintField(buf, fieldTimestamp, s.Timestamp)
	for _, pe := range s.PEs {
		buf = appendBytesField(buf, fieldPE, encodePE(pe))
	}
	for _, p := range s.Platforms {
		buf = appendBytesField(buf, fieldPlatform, encodePlatform(p))
	}
	for _, c := range s.Clocks {
		buf = appendBytesField(buf, fieldClock, encodeClock(c))
	}
	for _, v := range s.Versions {
		buf = appendBytesField(buf, fieldVersion, encodeVersion(v))
	}
	return buf
}

// EncodeLengthDelimited serializes s the way it appears in the mmap'd
// status region: a leading varint length followed by the message bytes.
func EncodeLengthDelimited(s *Status) []byte {
	body := Encode(s)
	return appendBytesFieldRaw(body)
}

func appendBytesFieldRaw(data []byte) []byte {
	var buf []byte
	buf = appendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}
