// Package battery samples the headset battery over the device bridge.
package battery

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// PowerSource is what the headset is drawing power from
type PowerSource string

// Power sources
const (
	SourceBattery  PowerSource = "Battery"
	SourceAC       PowerSource = "AC"
	SourceUSB      PowerSource = "USB"
	SourceDock     PowerSource = "Dock"
	SourceWireless PowerSource = "Wireless"
)

// Status is the Android BatteryManager charging status
type Status string

// Charging states
const (
	StatusUnknown     Status = "Unknown"
	StatusCharging    Status = "Charging"
	StatusDischarging Status = "Discharging"
	StatusNotCharging Status = "NotCharging"
	StatusFull        Status = "Full"
)

var statuses = map[int]Status{
	2: StatusCharging,
	3: StatusDischarging,
	4: StatusNotCharging,
	5: StatusFull,
}

// Health is the Android BatteryManager health code
type Health string

// Health states
const (
	HealthUnknown            Health = "Unknown"
	HealthGood               Health = "Good"
	HealthOverheat           Health = "Overheat"
	HealthDead               Health = "Dead"
	HealthOverVoltage        Health = "OverVoltage"
	HealthUnspecifiedFailure Health = "UnspecifiedFailure"
	HealthCold               Health = "Cold"
)

var healths = map[int]Health{
	2: HealthGood,
	3: HealthOverheat,
	4: HealthDead,
	5: HealthOverVoltage,
	6: HealthUnspecifiedFailure,
	7: HealthCold,
}

// Stats is one `dumpsys battery` sample
type Stats struct {
	PowerSource        PowerSource `json:"powerSource"`
	IsWeakCharger      bool        `json:"isWeakCharger"`
	MaxChargeCurrentMA uint32      `json:"maxChargeCurrentMa"`
	MaxChargeVoltageMV uint32      `json:"maxChargeVoltageMv"`
	ChargeCounter      uint32      `json:"chargeCounter"`
	Status             Status      `json:"status"`
	Health             Health      `json:"health"`
	Present            bool        `json:"present"`
	Level              uint8       `json:"level"`
	Scale              uint8       `json:"scale"`
	Voltage            uint32      `json:"voltage"`
	Temperature        uint32      `json:"temperature"`
	Technology         string      `json:"technology"`
}

// ParseDumpsys parses the output of `dumpsys battery`. Unknown keys are
// ignored; malformed values of known keys are errors.
func ParseDumpsys(output string) (Stats, error) {
	stats := Stats{
		PowerSource: SourceBattery,
		Status:      StatusUnknown,
		Health:      HealthUnknown,
	}
	sources := make(map[PowerSource]bool)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "ac powered":
			sources[SourceAC], err = parseBool(value)
		case "usb powered":
			sources[SourceUSB], err = parseBool(value)
		case "wireless powered":
			sources[SourceWireless], err = parseBool(value)
		case "dock powered":
			sources[SourceDock], err = parseBool(value)
		case "weak charger":
			stats.IsWeakCharger, err = parseBool(value)
		case "max charging current":
			var v uint32
			v, err = parseUint32(value)
			stats.MaxChargeCurrentMA = v / 1000
		case "max charging voltage":
			var v uint32
			v, err = parseUint32(value)
			stats.MaxChargeVoltageMV = v / 1000
		case "charge counter":
			stats.ChargeCounter, err = parseUint32(value)
		case "status":
			var code int
			code, err = strconv.Atoi(value)
			if s, ok := statuses[code]; ok {
				stats.Status = s
			}
		case "health":
			var code int
			code, err = strconv.Atoi(value)
			if h, ok := healths[code]; ok {
				stats.Health = h
			}
		case "present":
			stats.Present, err = parseBool(value)
		case "level":
			stats.Level, err = parseUint8(value)
		case "scale":
			stats.Scale, err = parseUint8(value)
		case "voltage":
			stats.Voltage, err = parseUint32(value)
		case "temperature":
			stats.Temperature, err = parseUint32(value)
		case "technology":
			stats.Technology = value
		}
		if err != nil {
			return Stats{}, fmt.Errorf("invalid %q value %q: %w", key, value, err)
		}
	}

	for _, src := range []PowerSource{SourceAC, SourceUSB, SourceWireless, SourceDock} {
		if sources[src] {
			stats.PowerSource = src
			break
		}
	}
	return stats, scanner.Err()
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}
