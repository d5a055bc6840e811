//go:build amd64 || arm64

package igb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c35s/igb/regs"
)

// SysfsPCI is where Open finds PCI functions.
var SysfsPCI = "/sys/bus/pci/devices"

// supported 82576 device ids (vendor 0x8086)

var deviceIDs = map[string]bool{
	"0x10c9": true, // 82576
	"0x10e6": true, // 82576 fiber
	"0x10e7": true, // 82576 serdes
	"0x10e8": true, // 82576 quad copper
	"0x1526": true, // 82576 quad copper ET2
	"0x150a": true, // 82576 NS
	"0x1518": true, // 82576 NS serdes
	"0x150d": true, // 82576 serdes quad
}

// Open maps BAR0 of the PCI function at addr (e.g. "0000:03:00.0").
// The function must be an 82576 unbound from any kernel driver, and the
// process needs permission to map its resource file.
func Open(addr string) (*regs.Mapped, error) {
	dir := filepath.Join(SysfsPCI, addr)

	vendor, err := readID(dir, "vendor")
	if err != nil {
		return nil, err
	}

	device, err := readID(dir, "device")
	if err != nil {
		return nil, err
	}

	if vendor != "0x8086" || !deviceIDs[device] {
		return nil, fmt.Errorf("igb: %s is %s:%s, not an 82576", addr, vendor, device)
	}

	res := filepath.Join(dir, "resource0")
	fi, err := os.Stat(res)
	if err != nil {
		return nil, fmt.Errorf("igb: %w", err)
	}

	return regs.Map(res, int(fi.Size()))
}

func readID(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("igb: read PCI %s: %w", name, err)
	}

	return strings.TrimSpace(string(b)), nil
}
