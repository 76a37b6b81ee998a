package mock

import "context"

// ChanNic is a channel-backed virtual interface for tests. Push packets into
// In to have the node tunnel them; packets the node delivers come out of Out.
type ChanNic struct {
	In  chan []byte
	Out chan []byte
}

func NewChanNic() *ChanNic {
	return &ChanNic{
		In:  make(chan []byte, 64),
		Out: make(chan []byte, 64),
	}
}

func (n *ChanNic) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-n.In:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *ChanNic) WritePacket(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case n.Out <- cp:
	default:
		// tests that don't drain still make progress
	}
	return nil
}
