package cos

import "fmt"

// MemoryUnit is one of the units recognized by the `max_cache_memory`
// configuration option (spec §6).
type MemoryUnit string

const (
	UnitBytes     MemoryUnit = "B"
	UnitKilobytes MemoryUnit = "KB"
	UnitMegabytes MemoryUnit = "MB"
)

// Quantity is an amount/unit pair, mirroring the teacher's quantity
// helpers (cmn/cos ErrQuantity* sentinels) rather than hand-rolled unit
// math scattered through the config struct.
type Quantity struct {
	Amount uint64
	Unit   MemoryUnit
}

func (q Quantity) Bytes() uint64 {
	switch q.Unit {
	case UnitKilobytes:
		return q.Amount * 1024
	case UnitMegabytes:
		return q.Amount * 1024 * 1024
	default:
		return q.Amount
	}
}

func (q Quantity) Validate() error {
	switch q.Unit {
	case UnitBytes, UnitKilobytes, UnitMegabytes:
		return nil
	default:
		return fmt.Errorf("%w: unit %q", ErrQuantityUsage, q.Unit)
	}
}

var ErrQuantityUsage = fmt.Errorf("invalid quantity: unit must be one of B, KB, MB")
