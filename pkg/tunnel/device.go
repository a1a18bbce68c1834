package tunnel

import (
	"io"
	"net/netip"
)

// Device is a layer-3 virtual interface carrying raw IP packets.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// DeviceConfig describes the interface the tunnel brings up.
type DeviceConfig struct {
	Name string
	// Address is the interface address and the prefix routed into it.
	Address netip.Prefix
	// DNSAddress is the virtual resolver clients are pointed at. It is routed
	// into the device when it lies outside Address.
	DNSAddress netip.Addr
	MTU        int
}

// Opener creates a configured device.
type Opener func(DeviceConfig) (Device, error)
