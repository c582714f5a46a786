// Package ipc implements synchronous rendezvous messaging between tasks:
// fixed-size messages, per-endpoint wait queues built directly on top of
// kernel/sched's intrusive task queue, an endpoint registry keyed by
// generation-checked tokens, and a per-process handle table. It is new
// code (the teacher, gopher-os, has no IPC layer at all) grounded on the
// teacher's own conventions for fixed-layout wire structs (the boot
// handshake struct, here kernel/boot's Info) and its package-level
// Spinlock-guarded state pattern.
package ipc

import "encoding/binary"

// MessageWireSize is the exact on-the-wire size of a Message: an 8-byte
// tag followed by six 8-byte payload words.
const MessageWireSize = 56

// NotifyLabel is the label carried by the synthetic message Receive
// synthesizes for a pending notification.
const NotifyLabel = 0xffff_fffe

// Message is the fixed-size payload exchanged by Send/Receive/Call/Reply.
// Payload pointers are not supported across processes; only Data's six
// words are copied by value.
type Message struct {
	Label  uint32
	Length uint8 // 0..6, how many of Data's words are meaningful
	Flags  uint32
	Data   [6]uint64
}

// NotifyMessage builds the synthetic message Receive returns when it
// drains a pending notification count instead of an actual sender.
func NotifyMessage(count uint64) Message {
	m := Message{Label: NotifyLabel, Length: 1}
	m.Data[0] = count
	return m
}

// encodeTag packs Label/Length/Flags into the 64-bit wire tag:
// [31:0]=label, [35:32]=length, [63:36]=flags.
func encodeTag(m Message) uint64 {
	return uint64(m.Label) | uint64(m.Length&0xf)<<32 | uint64(m.Flags)<<36
}

func decodeTag(tag uint64) (label uint32, length uint8, flags uint32) {
	label = uint32(tag)
	length = uint8((tag >> 32) & 0xf)
	flags = uint32(tag >> 36)
	return
}

// Marshal encodes m into its 56-byte wire representation.
func (m Message) Marshal() [MessageWireSize]byte {
	var buf [MessageWireSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], encodeTag(m))
	for i, word := range m.Data {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], word)
	}
	return buf
}

// Unmarshal decodes a message from its 56-byte wire representation.
func Unmarshal(buf [MessageWireSize]byte) Message {
	tag := binary.LittleEndian.Uint64(buf[0:8])
	label, length, flags := decodeTag(tag)
	m := Message{Label: label, Length: length, Flags: flags}
	for i := range m.Data {
		m.Data[i] = binary.LittleEndian.Uint64(buf[8+i*8 : 16+i*8])
	}
	return m
}
