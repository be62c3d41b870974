package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Attributes are the USB descriptor attributes exposed through sysfs
type Attributes struct {
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
}

// Sysfs reads USB device attributes from a sysfs tree
type Sysfs struct {
	root string
}

// NewSysfs returns a reader rooted at root (normally /sys)
func NewSysfs(root string) *Sysfs {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Sysfs{root: root}
}

// USBDevices lists the devpaths of all USB devices (not interfaces)
func (s *Sysfs) USBDevices() ([]string, error) {
	busDir := filepath.Join(s.root, "bus", "usb", "devices")
	entries, err := os.ReadDir(busDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list usb devices: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		resolved, err := filepath.EvalSymlinks(filepath.Join(busDir, entry.Name()))
		if err != nil {
			continue
		}
		// Interfaces have no idVendor attribute
		if _, err := os.Stat(filepath.Join(resolved, "idVendor")); err != nil {
			continue
		}
		rel, err := filepath.Rel(s.root, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		paths = append(paths, "/"+filepath.ToSlash(rel))
	}
	return paths, nil
}

// Attributes reads the descriptor attributes of the device at devpath
func (s *Sysfs) Attributes(devpath string) (Attributes, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(devpath, "/")))

	vendor, err := readHex(filepath.Join(dir, "idVendor"))
	if err != nil {
		return Attributes{}, err
	}
	product, err := readHex(filepath.Join(dir, "idProduct"))
	if err != nil {
		return Attributes{}, err
	}

	return Attributes{
		VendorID:     vendor,
		ProductID:    product,
		Serial:       readOptional(filepath.Join(dir, "serial")),
		Manufacturer: readOptional(filepath.Join(dir, "manufacturer")),
		Product:      readOptional(filepath.Join(dir, "product")),
	}, nil
}

func readHex(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return uint16(v), nil
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
