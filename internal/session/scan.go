package session

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// picoVID is the Raspberry Pi Trading USB vendor ID used by Pico boards.
const picoVID = "2E8A"

// PortInfo describes one detected serial port.
type PortInfo struct {
	Device      string
	Description string
	VID         string
	PID         string
}

// Label returns a human-readable label for port selection menus.
func (p PortInfo) Label() string {
	if p.Description != "" && p.Description != p.Device {
		return fmt.Sprintf("%s (%s)", p.Description, p.Device)
	}
	return p.Device
}

// ScanPorts returns the serial ports that look like MicroPython boards:
// Raspberry Pi Pico vendor ID, excluding CMSIS-DAP debug probe interfaces.
func ScanPorts() ([]PortInfo, error) {
	all, err := listDetailed()
	if err != nil {
		return nil, err
	}
	var out []PortInfo
	for _, p := range all {
		if !strings.EqualFold(p.VID, picoVID) {
			continue
		}
		if strings.Contains(p.Description, "CMSIS-DAP") {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ListPorts returns every serial port on the system for manual selection.
func ListPorts() ([]PortInfo, error) {
	return listDetailed()
}

func listDetailed() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var out []PortInfo
	for _, d := range details {
		info := PortInfo{Device: d.Name}
		if d.IsUSB {
			info.VID = d.VID
			info.PID = d.PID
			info.Description = d.Product
		}
		out = append(out, info)
	}
	return out, nil
}
