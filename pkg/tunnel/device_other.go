//go:build !linux

package tunnel

import "hostguard/pkg/hosterr"

func OpenDevice(cfg DeviceConfig) (Device, error) {
	return nil, hosterr.New(hosterr.InterfaceUnavailable, "tun devices are only supported on linux")
}
