package compilesvc

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/tiercore/pkg/bus"
	"github.com/fortiblox/tiercore/pkg/cpu"
	"github.com/fortiblox/tiercore/pkg/jit/softjit"
	"github.com/fortiblox/tiercore/pkg/tier0"
)

// ErrBadResponse is returned when a worker describes a block that does
// not fit the code it was sent.
var ErrBadResponse = errors.New("inconsistent compile worker response")

// RemoteDiscoverer implements softjit.Discoverer with a compile worker.
type RemoteDiscoverer struct {
	client *Client
}

var _ softjit.Discoverer = (*RemoteDiscoverer)(nil)

// NewRemoteDiscoverer discovers blocks through c.
func NewRemoteDiscoverer(c *Client) *RemoteDiscoverer {
	return &RemoteDiscoverer{client: c}
}

// Discover implements softjit.Discoverer. A declined compile is returned
// as a block with no instructions, as local discovery does.
func (r *RemoteDiscoverer) Discover(ctx context.Context, code []byte, rip uint64, bitness int, limits softjit.Limits) (softjit.Block, error) {
	resp, err := r.client.Compile(ctx, &CompileRequest{
		EntryRIP: rip,
		Bitness:  bitness,
		Code:     code,
		MaxInsts: limits.MaxInsts,
		MaxBytes: limits.MaxBytes,
	})
	if err != nil {
		return softjit.Block{}, err
	}

	blk := softjit.Block{
		EntryRIP:     rip,
		Bitness:      bitness,
		ByteLen:      resp.ByteLen,
		End:          softjit.EndKind(resp.EndKind),
		InhibitAfter: resp.InhibitInterruptsAfterBlock,
	}
	if resp.Declined {
		blk.ByteLen = 0
		return blk, nil
	}
	if resp.InstructionCount != len(resp.Ops) || len(resp.Ops) != len(resp.Lens) {
		return softjit.Block{}, fmt.Errorf("%w: %d instructions, %d ops, %d lengths",
			ErrBadResponse, resp.InstructionCount, len(resp.Ops), len(resp.Lens))
	}
	total := 0
	for _, n := range resp.Lens {
		if n == 0 || int(n) > tier0.MaxInstLen {
			return softjit.Block{}, fmt.Errorf("%w: instruction length %d", ErrBadResponse, n)
		}
		total += int(n)
	}
	if total != resp.ByteLen || total > len(code) {
		return softjit.Block{}, fmt.Errorf("%w: %d bytes for a %d byte window", ErrBadResponse, resp.ByteLen, len(code))
	}

	blk.Ops = make([]tier0.Op, len(resp.Ops))
	for i, op := range resp.Ops {
		blk.Ops[i] = tier0.Op(op)
	}
	blk.Lens = resp.Lens
	return blk, nil
}

// NewRemoteCompiler returns a softjit compiler whose discovery runs on
// the worker behind c. Code is still located and read locally.
func NewRemoteCompiler(c *Client, s *cpu.State, b bus.CpuBus, mem softjit.CodeReader, versions softjit.PageSnapshotter, backend *softjit.Backend, limits softjit.Limits) *softjit.Compiler {
	return softjit.NewCompiler(s, b, mem, versions, backend, NewRemoteDiscoverer(c), limits)
}
