package codecache

// PageVersionSnapshot records the version of one guest-physical page at
// the moment a compiled block's code bytes were read.
type PageVersionSnapshot struct {
	Page    uint64
	Version uint32
}

// CompiledBlockMeta describes the guest code a compiled block was built from.
type CompiledBlockMeta struct {
	// CodePaddr is the guest-physical address of the first code byte.
	CodePaddr uint64

	// ByteLen is the number of guest code bytes covered. It is also the
	// block's weight against the cache byte budget.
	ByteLen uint32

	// PageVersions holds one snapshot per physical page the code touches.
	PageVersions []PageVersionSnapshot

	// InstructionCount is the number of guest instructions the block
	// retires when it runs to completion.
	InstructionCount uint32

	// InhibitInterruptsAfterBlock is set when the block's final
	// instruction opens an interrupt shadow (MOV SS, POP SS).
	InhibitInterruptsAfterBlock bool
}

// CompiledBlockHandle identifies an executable compiled unit.
type CompiledBlockHandle struct {
	// EntryRIP is the guest instruction pointer the block starts at.
	EntryRIP uint64

	// TableIndex is the backend's slot for the executable unit.
	TableIndex uint32

	Meta CompiledBlockMeta
}

// Clone returns a deep copy of h.
func (h CompiledBlockHandle) Clone() CompiledBlockHandle {
	out := h
	if h.Meta.PageVersions != nil {
		out.Meta.PageVersions = make([]PageVersionSnapshot, len(h.Meta.PageVersions))
		copy(out.Meta.PageVersions, h.Meta.PageVersions)
	}
	return out
}
