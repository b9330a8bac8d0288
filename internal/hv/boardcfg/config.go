package boardcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchedulingMode selects how the run loop hands pCPUs to vCPUs (spec.md
// §4.5): Cooperative multiplexes every online vCPU across one pCPU with
// a round-robin scheduler; Affinity pins one vCPU to one pCPU 1:1 and
// runs no scheduler at all.
type SchedulingMode string

const (
	SchedulingCooperative SchedulingMode = "cooperative"
	SchedulingAffinity    SchedulingMode = "affinity"
)

// DeviceConfig names one optional device slot and the virtio-mmio slot
// index it should bind to (spec.md §6's "virtio-mmio slot N").
type DeviceConfig struct {
	Kind string `yaml:"kind"`
	Slot int    `yaml:"slot"`
}

// Board is the YAML-decoded descriptor for one VM: vCPU count,
// scheduling mode, Stage-2 IPA width, RAM window and the optional
// device slots to populate. Adapted from tinyrange-cc's
// bundle.Metadata/BootConfig shape — the normalize() defaults pass and
// LoadMetadata's read-then-unmarshal-then-normalize pattern are kept,
// generalized from a container bundle's boot config to a board's
// hardware layout.
type Board struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	VCPUs      int            `yaml:"vcpus,omitempty"`
	Scheduling SchedulingMode `yaml:"scheduling,omitempty"`
	IPAWidth   int            `yaml:"ipaWidth,omitempty"`

	RAMBase uint64 `yaml:"ramBase,omitempty"`
	RAMSize uint64 `yaml:"ramSize,omitempty"`

	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

const (
	DefaultVCPUs      = 1
	DefaultIPAWidth   = 40
	DefaultRAMBase    = 0x4000_0000
	DefaultRAMSize    = 256 << 20
)

func (b *Board) normalize() {
	if b.Version == 0 {
		b.Version = 1
	}
	if b.VCPUs == 0 {
		b.VCPUs = DefaultVCPUs
	}
	if b.Scheduling == "" {
		if b.VCPUs > 1 {
			b.Scheduling = SchedulingCooperative
		} else {
			b.Scheduling = SchedulingAffinity
		}
	}
	if b.IPAWidth == 0 {
		b.IPAWidth = DefaultIPAWidth
	}
	if b.RAMBase == 0 {
		b.RAMBase = DefaultRAMBase
	}
	if b.RAMSize == 0 {
		b.RAMSize = DefaultRAMSize
	}
}

// Validate rejects a board descriptor the rest of the core cannot run:
// too many vCPUs (spec.md §3's 8-vCPU ceiling), an unsupported IPA
// width, or a scheduling mode the config layer doesn't know.
func (b *Board) Validate() error {
	if b.VCPUs < 1 || b.VCPUs > 8 {
		return fmt.Errorf("boardcfg: vcpus=%d out of range [1,8]", b.VCPUs)
	}
	switch b.IPAWidth {
	case 40, 48:
	default:
		return fmt.Errorf("boardcfg: unsupported ipaWidth=%d", b.IPAWidth)
	}
	switch b.Scheduling {
	case SchedulingCooperative, SchedulingAffinity:
	default:
		return fmt.Errorf("boardcfg: unknown scheduling mode %q", b.Scheduling)
	}
	if b.Scheduling == SchedulingAffinity && b.VCPUs > 1 {
		return fmt.Errorf("boardcfg: affinity scheduling requires exactly 1 vcpu, got %d", b.VCPUs)
	}
	return nil
}

// LoadBoard reads and decodes a board YAML file from path, applying
// normalize() defaults and Validate() before returning it.
func LoadBoard(path string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Board{}, fmt.Errorf("boardcfg: read %s: %w", path, err)
	}
	return ParseBoard(data)
}

// ParseBoard decodes board YAML from an in-memory buffer, the path used
// by callers that already have the bytes (embedded default boards,
// test fixtures).
func ParseBoard(data []byte) (Board, error) {
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Board{}, fmt.Errorf("boardcfg: parse board: %w", err)
	}
	b.normalize()
	if err := b.Validate(); err != nil {
		return Board{}, err
	}
	return b, nil
}

// Layout builds the fixed-region MemoryLayout this board implies.
func (b Board) Layout() (*MemoryLayout, error) {
	return NewBoardLayout(b.RAMBase, b.RAMSize, b.VCPUs)
}
