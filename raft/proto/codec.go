package raftpd

import "encoding/binary"

// Binary layout of one entry, big endian:
//
//	term:64 | index:64 | kind:8 | payload_len:64 | payload
const entryHeaderSize = 8 + 8 + 1 + 8

// ToBinary encode entry into the flat binary format. The payload
// bytes pass through untouched.
func ToBinary(entry *Entry) []byte {
	buf := make([]byte, entryHeaderSize+len(entry.Data))
	binary.BigEndian.PutUint64(buf[0:], entry.Term)
	binary.BigEndian.PutUint64(buf[8:], entry.Index)
	buf[16] = byte(entry.Kind)
	binary.BigEndian.PutUint64(buf[17:], uint64(len(entry.Data)))
	copy(buf[entryHeaderSize:], entry.Data)
	return buf
}

// ExtractFromBinary decode one entry from the head of bin and
// return it with the remaining bytes. Any malformed input (short
// header, unknown kind tag, payload length past the buffer) yields
// nil; a partial entry is never returned.
func ExtractFromBinary(bin []byte) (*Entry, []byte) {
	if len(bin) < entryHeaderSize {
		return nil, nil
	}

	kind := EntryKind(bin[16])
	if !ValidEntryKind(kind) {
		return nil, nil
	}

	length := binary.BigEndian.Uint64(bin[17:])
	rest := uint64(len(bin) - entryHeaderSize)
	if length > rest {
		return nil, nil
	}

	entry := &Entry{
		Term:  binary.BigEndian.Uint64(bin[0:]),
		Index: binary.BigEndian.Uint64(bin[8:]),
		Kind:  kind,
	}
	if length > 0 {
		entry.Data = make([]byte, length)
		copy(entry.Data, bin[entryHeaderSize:entryHeaderSize+length])
	}
	return entry, bin[entryHeaderSize+length:]
}
