// Package device tracks the VR headset attached to the host and resolves how
// to address it over the device bridge.
package device

import (
	"encoding/json"
	"fmt"
)

// Vendor is a supported headset manufacturer, keyed by USB vendor id
type Vendor uint16

// Supported headset vendors
const (
	VendorSony      Vendor = 0x054c
	VendorHTC       Vendor = 0x0bb4
	VendorLenovo    Vendor = 0x17ef
	VendorMicrosoft Vendor = 0x045e
	VendorOculus    Vendor = 0x2833
	VendorValve     Vendor = 0x28de
)

var vendorNames = map[Vendor]string{
	VendorSony:      "Sony",
	VendorHTC:       "HTC",
	VendorLenovo:    "Lenovo",
	VendorMicrosoft: "Microsoft",
	VendorOculus:    "Oculus",
	VendorValve:     "Valve",
}

// LookupVendor classifies a USB vendor id
func LookupVendor(id uint16) (Vendor, bool) {
	v := Vendor(id)
	_, ok := vendorNames[v]
	return v, ok
}

func (v Vendor) String() string {
	if name, ok := vendorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%04x)", uint16(v))
}

// MarshalJSON encodes the vendor by name
func (v Vendor) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// Device is a snapshot of one physical headset. Everything except Connected
// is fixed when the device is detected.
type Device struct {
	Path      string `json:"path"`
	Vendor    Vendor `json:"vendor"`
	ProductID uint16 `json:"productId"`
	Serial    string `json:"serial"`
	Name      string `json:"name"`
	IP        string `json:"ip,omitempty"`
	Connected bool   `json:"connected"`
}
