package protocol

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TunnelFrame is the wire unit carrying one (possibly fragmented) virtual
// network packet. The payload is sealed end-to-end by the source; forwarding
// nodes rewrite only the hop limit.
//
// Layout after the envelope kind byte, big endian:
//
//	ver(1) hop(1) fragIdx(1) fragCount(1) frameId(8) nonce(12)
//	srcLen(1) src... dstLen(1) dst... payload...
type TunnelFrame struct {
	Version   uint8
	Hop       uint8
	FragIndex uint8
	FragCount uint8
	FrameId   uint64
	Nonce     [chacha20poly1305.NonceSize]byte
	Src       string
	Dst       string
	Payload   []byte
}

const frameFixedLen = 4 + 8 + chacha20poly1305.NonceSize

// HeaderOverhead is the worst-case frame header size, used when picking a
// fragmentation threshold.
func HeaderOverhead(src, dst string) int {
	return 1 + frameFixedLen + 2 + len(src) + len(dst)
}

// MarshalEnvelope encodes the frame with its KindTunnelData tag.
func (f *TunnelFrame) MarshalEnvelope() ([]byte, error) {
	if len(f.Src) > 255 || len(f.Dst) > 255 {
		return nil, fmt.Errorf("peer id too long")
	}
	buf := make([]byte, 0, HeaderOverhead(f.Src, f.Dst)+len(f.Payload))
	buf = append(buf, byte(KindTunnelData))
	buf = append(buf, f.Version, f.Hop, f.FragIndex, f.FragCount)
	buf = binary.BigEndian.AppendUint64(buf, f.FrameId)
	buf = append(buf, f.Nonce[:]...)
	buf = append(buf, uint8(len(f.Src)))
	buf = append(buf, f.Src...)
	buf = append(buf, uint8(len(f.Dst)))
	buf = append(buf, f.Dst...)
	return append(buf, f.Payload...), nil
}

// UnmarshalEnvelope decodes a KindTunnelData envelope.
func (f *TunnelFrame) UnmarshalEnvelope(env []byte) error {
	if KindOf(env) != KindTunnelData {
		return fmt.Errorf("not a tunnel data envelope")
	}
	b := env[1:]
	if len(b) < frameFixedLen+2 {
		return fmt.Errorf("tunnel frame too short: %d bytes", len(b))
	}
	f.Version, f.Hop, f.FragIndex, f.FragCount = b[0], b[1], b[2], b[3]
	f.FrameId = binary.BigEndian.Uint64(b[4:12])
	copy(f.Nonce[:], b[12:12+chacha20poly1305.NonceSize])
	b = b[frameFixedLen:]

	srcLen := int(b[0])
	if len(b) < 1+srcLen+1 {
		return fmt.Errorf("tunnel frame truncated in src")
	}
	f.Src = string(b[1 : 1+srcLen])
	b = b[1+srcLen:]

	dstLen := int(b[0])
	if len(b) < 1+dstLen {
		return fmt.Errorf("tunnel frame truncated in dst")
	}
	f.Dst = string(b[1 : 1+dstLen])
	f.Payload = b[1+dstLen:]

	if f.FragCount == 0 || f.FragIndex >= f.FragCount {
		return fmt.Errorf("invalid fragmentation fields %d/%d", f.FragIndex, f.FragCount)
	}
	return nil
}

// Fragment splits the frame's payload so that no marshalled fragment exceeds
// mtu. The payload is already ciphertext; fragments share FrameId and Nonce
// and are only reunited at the destination.
func (f *TunnelFrame) Fragment(mtu int) ([]*TunnelFrame, error) {
	room := mtu - HeaderOverhead(f.Src, f.Dst)
	if room <= 0 {
		return nil, fmt.Errorf("mtu %d leaves no payload room", mtu)
	}
	if len(f.Payload) <= room {
		f.FragIndex, f.FragCount = 0, 1
		return []*TunnelFrame{f}, nil
	}
	n := (len(f.Payload) + room - 1) / room
	if n > 255 {
		return nil, fmt.Errorf("packet needs %d fragments, max 255", n)
	}
	frags := make([]*TunnelFrame, 0, n)
	for i := 0; i < n; i++ {
		part := *f
		lo := i * room
		hi := min(lo+room, len(f.Payload))
		part.Payload = f.Payload[lo:hi]
		part.FragIndex = uint8(i)
		part.FragCount = uint8(n)
		frags = append(frags, &part)
	}
	return frags, nil
}
