package kernel

import (
	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// netlinkConn is the connector socket joined to the device-mapper group.
type netlinkConn struct {
	sock *nl.NetlinkSocket
}

// Dial opens the kernel connector socket.
func Dial() (Conn, error) {
	sock, err := nl.Subscribe(unix.NETLINK_CONNECTOR, CnIdxDM)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open kernel connector socket")
	}
	return &netlinkConn{sock: sock}, nil
}

func (c *netlinkConn) Receive() ([]Packet, error) {
	msgs, _, err := c.sock.Receive()
	if err != nil {
		return nil, errors.Wrap(err, "failed to receive from kernel")
	}
	packets := make([]Packet, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type != unix.NLMSG_DONE {
			continue
		}
		p, err := unmarshalCnMsg(m.Data)
		if errdefs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

func (c *netlinkConn) Send(p Packet) error {
	req := nl.NewNetlinkRequest(unix.NLMSG_DONE, 0)
	req.AddRawData(marshalCnMsg(p))
	if err := c.sock.Send(req); err != nil {
		return errors.Wrap(err, "failed to send to kernel")
	}
	return nil
}

func (c *netlinkConn) Close() error {
	c.sock.Close()
	return nil
}
