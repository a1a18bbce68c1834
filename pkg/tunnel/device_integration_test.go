//go:build linux && integration

package tunnel

import (
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestOpenDeviceConfiguresLink(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating a tun device needs root")
	}
	cfg := DeviceConfig{
		Name:       "hgtest0",
		Address:    netip.MustParsePrefix("10.199.0.1/24"),
		DNSAddress: netip.MustParseAddr("10.198.0.53"),
		MTU:        1400,
	}
	dev, err := OpenDevice(cfg)
	require.NoError(t, err)

	link, err := netlink.LinkByName(dev.Name())
	require.NoError(t, err)
	assert.Equal(t, 1400, link.Attrs().MTU)

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.199.0.1", addrs[0].IP.String())

	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	require.NoError(t, err)
	var routed bool
	for _, r := range routes {
		if r.Dst != nil && r.Dst.IP.String() == "10.198.0.53" {
			routed = true
		}
	}
	assert.True(t, routed, "resolver outside the prefix must be routed into the device")

	require.NoError(t, dev.Close())
	_, err = netlink.LinkByName(cfg.Name)
	assert.Error(t, err, "closing the device removes the interface")
}
