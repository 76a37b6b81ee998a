package cmd

import (
	"context"
	"os"
	"sync"
)

// FdNic adapts a raw packet file descriptor, typically a TUN device opened by
// a supervisor, to the core's virtual interface contract. One Read yields one
// packet.
type FdNic struct {
	f   *os.File
	wmu sync.Mutex
}

func NewFdNic(f *os.File) *FdNic {
	return &FdNic{f: f}
}

func (n *FdNic) ReadPacket(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, 65535)
	read, err := n.f.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

func (n *FdNic) WritePacket(pkt []byte) error {
	n.wmu.Lock()
	defer n.wmu.Unlock()
	_, err := n.f.Write(pkt)
	return err
}
