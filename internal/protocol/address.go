// Package protocol holds the types exchanged with the end-to-end encryption
// engine: protocol addresses, identity keys, trust levels and the storage
// contracts the engine calls during encrypt and decrypt.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultDeviceID is the device ID of a contact's primary device.
const DefaultDeviceID uint32 = 1

// Address is a protocol address: a protocol identifier (ACI UUID string)
// plus a device ID.
type Address struct {
	Name     string
	DeviceID uint32
}

// NewAddress returns the address of device deviceID of name.
func NewAddress(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

// String formats the address as "name.deviceID".
func (a Address) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// ParseAddress parses an address formatted as "name.deviceID".
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("protocol: invalid address %q", s)
	}
	dev, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("protocol: invalid device id in %q: %w", s, err)
	}
	return Address{Name: s[:i], DeviceID: uint32(dev)}, nil
}
