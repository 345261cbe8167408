package softjit

import (
	"errors"

	"github.com/fortiblox/tiercore/pkg/bus"
)

var errMismatch = errors.New("softjit: instruction differs from compiled unit")

type undo struct {
	addr uint64
	size int
	old  uint64
}

// journal is a CpuBus that records the previous contents of every
// location written through it so the writes can be undone.
type journal struct {
	bus.CpuBus
	log []undo
}

func (j *journal) save(addr uint64, size int) error {
	var (
		old uint64
		err error
	)
	switch size {
	case 1:
		var v uint8
		v, err = j.CpuBus.ReadU8(addr)
		old = uint64(v)
	case 2:
		var v uint16
		v, err = j.CpuBus.ReadU16(addr)
		old = uint64(v)
	case 4:
		var v uint32
		v, err = j.CpuBus.ReadU32(addr)
		old = uint64(v)
	default:
		old, err = j.CpuBus.ReadU64(addr)
	}
	if err != nil {
		return err
	}
	j.log = append(j.log, undo{addr: addr, size: size, old: old})
	return nil
}

func (j *journal) WriteU8(addr uint64, v uint8) error {
	if err := j.save(addr, 1); err != nil {
		return err
	}
	return j.CpuBus.WriteU8(addr, v)
}

func (j *journal) WriteU16(addr uint64, v uint16) error {
	if err := j.save(addr, 2); err != nil {
		return err
	}
	return j.CpuBus.WriteU16(addr, v)
}

func (j *journal) WriteU32(addr uint64, v uint32) error {
	if err := j.save(addr, 4); err != nil {
		return err
	}
	return j.CpuBus.WriteU32(addr, v)
}

func (j *journal) WriteU64(addr uint64, v uint64) error {
	if err := j.save(addr, 8); err != nil {
		return err
	}
	return j.CpuBus.WriteU64(addr, v)
}

// rollback restores journaled locations, newest first.
func (j *journal) rollback() {
	for i := len(j.log) - 1; i >= 0; i-- {
		u := j.log[i]
		switch u.size {
		case 1:
			_ = j.CpuBus.WriteU8(u.addr, uint8(u.old))
		case 2:
			_ = j.CpuBus.WriteU16(u.addr, uint16(u.old))
		case 4:
			_ = j.CpuBus.WriteU32(u.addr, uint32(u.old))
		default:
			_ = j.CpuBus.WriteU64(u.addr, u.old)
		}
	}
	j.log = j.log[:0]
}
