package models

import "fmt"

// Direction of a transfer.
type Direction int

const (
	Download Direction = 1
	Upload   Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection accepts "upload" or "download".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "download":
		return Download, nil
	case "upload":
		return Upload, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// ProgressMode selects how long a progress listener stays registered.
type ProgressMode int

const (
	// CurrentChanges reports until the backlog present at registration
	// time has been transferred, then unregisters.
	CurrentChanges ProgressMode = iota
	// Indefinitely reports until the listener is removed.
	Indefinitely
)

func (m ProgressMode) String() string {
	if m == Indefinitely {
		return "INDEFINITELY"
	}
	return "CURRENT_CHANGES"
}

// Progress is a snapshot of transfer counters. Values are raw and may
// transiently report transferred > transferable.
type Progress struct {
	TransferredBytes  uint64 `json:"transferred_bytes"`
	TransferableBytes uint64 `json:"transferable_bytes"`
}

// FractionTransferred is 1.0 when there is nothing to transfer.
func (p Progress) FractionTransferred() float64 {
	if p.TransferableBytes == 0 {
		return 1.0
	}
	return float64(p.TransferredBytes) / float64(p.TransferableBytes)
}

// IsTransferComplete reports whether everything known has been transferred.
func (p Progress) IsTransferComplete() bool {
	return p.TransferredBytes >= p.TransferableBytes
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d bytes (%.1f%%)", p.TransferredBytes, p.TransferableBytes, p.FractionTransferred()*100)
}
