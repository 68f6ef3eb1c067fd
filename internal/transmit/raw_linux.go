package transmit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/route"
	"firestige.xyz/spooftcp/internal/spoof"
)

// Raw sends synthesized packets through header-including raw sockets, one
// per family. The kernel routes them along the normal output path, so the
// socket mark keeps them out of the interception rule.
type Raw struct {
	mark uint32
	v4   *ipv4.RawConn
	v6   int
}

// NewRaw opens raw sockets for the given families. Every packet sent is
// tagged with mark. Requires CAP_NET_RAW.
func NewRaw(mark uint32, families ...core.Family) (*Raw, error) {
	r := &Raw{mark: mark, v6: -1}
	for _, f := range families {
		var err error
		switch f {
		case core.FamilyIPv4:
			if r.v4 == nil {
				err = r.openIPv4()
			}
		case core.FamilyIPv6:
			if r.v6 < 0 {
				err = r.openIPv6()
			}
		default:
			err = fmt.Errorf("%w: family %d", core.ErrUnsupportedProto, f)
		}
		if err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Raw) openIPv4() error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setMark(int(fd), r.mark)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "ip4:255", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("open ipv4 raw socket: %w", err)
	}
	rc, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return fmt.Errorf("open ipv4 raw socket: %w", err)
	}
	r.v4 = rc
	return nil
}

func (r *Raw) openIPv6() error {
	// IPPROTO_RAW implies IPV6_HDRINCL.
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return fmt.Errorf("open ipv6 raw socket: %w", err)
	}
	if err := setMark(fd, r.mark); err != nil {
		unix.Close(fd)
		return err
	}
	r.v6 = fd
	return nil
}

func setMark(fd int, mark uint32) error {
	if mark == 0 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("set SO_MARK %#x: %w", mark, err)
	}
	return nil
}

// Transmit implements spoof.Transmitter.
func (r *Raw) Transmit(pkt *spoof.Packet, dst route.Destination) error {
	switch pkt.Family() {
	case core.FamilyIPv4:
		if r.v4 == nil {
			return fmt.Errorf("%w: ipv4 output not open", core.ErrUnsupportedProto)
		}
		if err := r.admit(pkt); err != nil {
			return err
		}
		data := pkt.Bytes()
		h, err := ipv4.ParseHeader(data)
		if err != nil {
			return fmt.Errorf("send ipv4: %w", err)
		}
		if err := r.v4.WriteTo(h, data[h.Len:], nil); err != nil {
			return fmt.Errorf("send ipv4 to %s: %w", pkt.Dst(), err)
		}
		return nil

	case core.FamilyIPv6:
		if r.v6 < 0 {
			return fmt.Errorf("%w: ipv6 output not open", core.ErrUnsupportedProto)
		}
		if err := r.admit(pkt); err != nil {
			return err
		}
		if err := unix.Sendto(r.v6, pkt.Bytes(), 0, sockaddr6(pkt.Dst(), dst)); err != nil {
			return fmt.Errorf("send ipv6 to %s: %w", pkt.Dst(), err)
		}
		return nil

	default:
		return fmt.Errorf("%w: family %d", core.ErrUnsupportedProto, pkt.Family())
	}
}

// admit refuses packets whose untrack request the sockets cannot carry out.
// Marks are applied per socket, so a packet must ask for exactly that mark.
func (r *Raw) admit(pkt *spoof.Packet) error {
	if !pkt.Untracked() {
		return fmt.Errorf("%w: packet to %s is not marked untracked", core.ErrTransmitFailed, pkt.Dst())
	}
	if pkt.Mark() != r.mark {
		return fmt.Errorf("%w: packet mark %#x differs from socket mark %#x", core.ErrTransmitFailed, pkt.Mark(), r.mark)
	}
	return nil
}

// sockaddr6 builds the send address. Link-local destinations are scoped to
// the output link of the route.
func sockaddr6(addr netip.Addr, dst route.Destination) *unix.SockaddrInet6 {
	sa := &unix.SockaddrInet6{Addr: addr.As16()}
	if addr.IsLinkLocalUnicast() && dst.LinkIndex > 0 {
		sa.ZoneId = uint32(dst.LinkIndex)
	}
	return sa
}

// Close releases the sockets.
func (r *Raw) Close() error {
	var errs []error
	if r.v4 != nil {
		errs = append(errs, r.v4.Close())
		r.v4 = nil
	}
	if r.v6 >= 0 {
		errs = append(errs, unix.Close(r.v6))
		r.v6 = -1
	}
	return errors.Join(errs...)
}
