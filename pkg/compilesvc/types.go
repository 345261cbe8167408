// Package compilesvc runs block discovery in a separate compile worker
// reached over gRPC. Messages are JSON encoded under the "json" content
// subtype, so the service needs no generated code.
package compilesvc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const (
	serviceName   = "tiercore.compile.v1.CompileWorker"
	compileMethod = "/" + serviceName + "/Compile"

	codecName = "json"
)

// CompileRequest asks the worker to discover the block at EntryRIP.
// Code holds the guest bytes starting at EntryRIP.
type CompileRequest struct {
	EntryRIP uint64 `json:"entry_rip"`
	Bitness  int    `json:"bitness"`
	Code     []byte `json:"code"`
	MaxInsts int    `json:"max_insts,omitempty"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

// CompileResponse describes the discovered block. A declined compile has
// no instructions and gives the reason discovery stopped.
type CompileResponse struct {
	InstructionCount            int     `json:"instruction_count"`
	ByteLen                     int     `json:"byte_len"`
	Ops                         []uint8 `json:"ops"`
	Lens                        []uint8 `json:"lens"`
	EndKind                     uint8   `json:"end_kind"`
	InhibitInterruptsAfterBlock bool    `json:"inhibit_interrupts_after_block"`
	Declined                    bool    `json:"declined"`
	Reason                      string  `json:"reason,omitempty"`
}

// jsonCodec is a grpc encoding.Codec over encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
