//go:build linux

package route

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"firestige.xyz/spooftcp/internal/core"
)

type linkInfo struct {
	mtu      int
	headroom int
}

const (
	linkTTL     = time.Minute
	linkCleanup = 5 * time.Minute
)

// Netlink resolves destinations through the kernel FIB. Link attributes are
// cached per interface index for linkTTL; Invalidate drops the cache.
type Netlink struct {
	handle *netlink.Handle
	links  *cache.Cache // ifindex -> linkInfo
}

// NewNetlink opens a netlink handle in the current network namespace.
func NewNetlink() (*Netlink, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("open netlink handle: %w", err)
	}
	return &Netlink{handle: h, links: cache.New(linkTTL, linkCleanup)}, nil
}

// Lookup implements Router.
func (n *Netlink) Lookup(view *core.OriginalView) (Destination, error) {
	if !view.DstIP.IsValid() {
		return Destination{}, fmt.Errorf("%w: invalid destination address", core.ErrNoRoute)
	}

	routes, err := n.handle.RouteGet(net.IP(view.DstIP.AsSlice()))
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %s: %v", core.ErrNoRoute, view.DstIP, err)
	}
	if len(routes) == 0 {
		return Destination{}, fmt.Errorf("%w: %s", core.ErrNoRoute, view.DstIP)
	}
	r := routes[0]

	typ, err := typeOf(r.Type)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %s: %v", core.ErrNoRoute, view.DstIP, err)
	}

	li, err := n.link(r.LinkIndex)
	if err != nil {
		return Destination{}, err
	}
	mtu := li.mtu
	if r.MTU > 0 && r.MTU < mtu {
		mtu = r.MTU
	}

	return Destination{
		LinkIndex: r.LinkIndex,
		Headroom:  li.headroom,
		MTU:       mtu,
		Type:      typ,
	}, nil
}

func (n *Netlink) link(index int) (linkInfo, error) {
	key := strconv.Itoa(index)
	if v, ok := n.links.Get(key); ok {
		return v.(linkInfo), nil
	}

	link, err := n.handle.LinkByIndex(index)
	if err != nil {
		return linkInfo{}, fmt.Errorf("%w: link %d: %v", core.ErrNoRoute, index, err)
	}
	attrs := link.Attrs()
	li := linkInfo{
		mtu:      attrs.MTU,
		headroom: headroomFor(attrs.EncapType),
	}
	n.links.SetDefault(key, li)
	slog.Debug("route link cached", "index", index, "name", attrs.Name, "encap", attrs.EncapType, "mtu", li.mtu)
	return li, nil
}

// Invalidate forgets cached link attributes, e.g. after an MTU change.
func (n *Netlink) Invalidate() {
	n.links.Flush()
}

// Close releases the netlink handle.
func (n *Netlink) Close() error {
	n.handle.Close()
	return nil
}

// typeOf maps a kernel route type (RTN_*) to Type.
func typeOf(rtn int) (Type, error) {
	switch rtn {
	case unix.RTN_UNSPEC, unix.RTN_UNICAST, unix.RTN_ANYCAST:
		return TypeUnicast, nil
	case unix.RTN_LOCAL:
		return TypeLocal, nil
	case unix.RTN_BROADCAST:
		return TypeBroadcast, nil
	case unix.RTN_MULTICAST:
		return TypeMulticast, nil
	case unix.RTN_UNREACHABLE:
		return 0, errors.New("unreachable")
	case unix.RTN_BLACKHOLE:
		return 0, errors.New("blackhole")
	case unix.RTN_PROHIBIT:
		return 0, errors.New("prohibited")
	default:
		return 0, fmt.Errorf("route type %d", rtn)
	}
}

// headroomFor returns the aligned hard-header reserve for a link encapsulation
// as reported in IFLA link attributes.
func headroomFor(encap string) int {
	var hh int
	switch encap {
	case "ether", "loopback":
		hh = 14
	case "ieee802.11":
		hh = 24
	case "infiniband":
		hh = 24
	case "none", "ipip", "sit", "ip6tnl", "gre", "ip6gre", "tunnel", "tunnel6":
		hh = 0
	default:
		return LLMaxHeader
	}
	return Align16(hh) + 16
}
