//go:build linux

package tunnel

import (
	"errors"
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"hostguard/pkg/hosterr"
)

// OpenDevice creates the TUN device and configures its address, MTU and the
// route to the virtual resolver. Closing the device removes the interface
// and everything configured on it.
func OpenDevice(cfg DeviceConfig) (Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: cfg.Name},
	})
	if err != nil {
		return nil, hosterr.Wrapf(err, hosterr.InterfaceUnavailable, "create tun device %q", cfg.Name)
	}
	if err := configureLink(ifce.Name(), cfg); err != nil {
		_ = ifce.Close()
		return nil, hosterr.Wrapf(err, hosterr.InterfaceUnavailable, "configure %s", ifce.Name())
	}
	return ifce, nil
}

func configureLink(name string, cfg DeviceConfig) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("interface %s not found: %w", name, err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	if !cfg.Address.IsValid() {
		return errors.New("no interface address configured")
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   cfg.Address.Addr().AsSlice(),
		Mask: net.CIDRMask(cfg.Address.Bits(), cfg.Address.Addr().BitLen()),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("add address %s: %w", cfg.Address, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set link up: %w", err)
	}

	if cfg.DNSAddress.IsValid() && !cfg.Address.Masked().Contains(cfg.DNSAddress) {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Scope:     netlink.SCOPE_LINK,
			Dst: &net.IPNet{
				IP:   cfg.DNSAddress.AsSlice(),
				Mask: net.CIDRMask(cfg.DNSAddress.BitLen(), cfg.DNSAddress.BitLen()),
			},
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("route %s: %w", cfg.DNSAddress, err)
		}
	}
	return nil
}
