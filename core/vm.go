package core

// Deterministic WASM Runtime (C5): a wasmer-go engine compiles the
// module once per call, host functions are registered under the "env"
// import namespace, and the contract's linear memory is read/written
// directly through the "memory" export. Every host call debits a cost
// from an explicit Go-side GasMeter rather than relying on wasmer's
// native fuel metering: wasmer-go v1.0.4 exposes no reliable
// cross-platform fuel API, so metering is pushed entirely to the host
// boundary, which is also the only boundary a malicious contract cannot
// bypass.

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"
)

// GasMeter tracks fuel consumption against a fixed limit. Every host call
// debits its table-fixed cost; exceeding the limit is reported as
// ErrOutOfGas and must surface as a FailureOutOfGas receipt, not a fatal
// error.
type GasMeter struct {
	used  uint64
	limit uint64
}

func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

var ErrOutOfGas = errors.New("out of gas")

// Consume debits cost from the meter, returning ErrOutOfGas if doing so
// would exceed the limit. On failure the meter's used count is left
// unchanged so GasUsed reports exactly what was spent before the abort.
func (g *GasMeter) Consume(cost uint64) error {
	if g.used+cost > g.limit {
		return ErrOutOfGas
	}
	g.used += cost
	return nil
}

func (g *GasMeter) Used() uint64      { return g.used }
func (g *GasMeter) Remaining() uint64 { return g.limit - g.used }

// VMHost is the surface a contract invocation can affect: a Bridge in
// production, a fake in tests.
type VMHost interface {
	StorageRead(contract Address, key []byte) ([]byte, error)
	StorageWrite(contract Address, key, value []byte) error
	Transfer(from, to Address, amount U128) (bool, error)
	EmitLog(l Log)
}

// ExecutionResult is the outcome of one WASM invocation, prior to being
// folded into a Receipt by the Ledger.
type ExecutionResult struct {
	Success bool
	Kind    FailureKind
	Detail  string
	GasUsed uint64
}

// Engine compiles and runs WASM contract code with wasmer's default
// engine configuration. It sets no WASM feature flags of its own (SIMD,
// threads, reference types and bulk memory are left at wasmer's
// defaults), and it applies no linear-memory ceiling and no call-stack
// depth bound beyond what the module and wasmer itself impose; gas is
// charged only at host calls, through the GasMeter.
type Engine struct {
	engine *wasmer.Engine
	log    *zap.SugaredLogger
}

// NewEngine constructs a WASM execution engine. wasmer.NewEngine() uses
// the Cranelift compiler with its default (deterministic) configuration.
func NewEngine() *Engine {
	return &Engine{
		engine: wasmer.NewEngine(),
		log:    zap.NewNop().Sugar(),
	}
}

// SetLogger overrides the engine's structured logger.
func (e *Engine) SetLogger(l *zap.SugaredLogger) { e.log = l }

type hostCtx struct {
	mem     *wasmer.Memory
	host    VMHost
	gas     *GasMeter
	execCtx ExecutionContext
	result  ExecutionResult
}

// Execute runs the contract's "_start" export against code. host buffers
// all storage/balance/log effects for the caller to merge or discard.
func (e *Engine) Execute(code []byte, execCtx ExecutionContext, gas *GasMeter, host VMHost) ExecutionResult {
	store := wasmer.NewStore(e.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return ExecutionResult{Kind: FailureWasmTrap, Detail: fmt.Sprintf("compile: %v", err)}
	}

	hctx := &hostCtx{host: host, gas: gas, execCtx: execCtx, result: ExecutionResult{Success: true}}
	imports := e.registerHost(store, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return ExecutionResult{Kind: FailureWasmTrap, Detail: fmt.Sprintf("instantiate: %v", err)}
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return ExecutionResult{Kind: FailureMemoryAccessViolation, Detail: "wasm module has no \"memory\" export"}
	}
	hctx.mem = mem

	start, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return ExecutionResult{Kind: FailureWasmTrap, Detail: "wasm module has no \"_start\" export"}
	}

	ret, err := start()
	switch {
	case err != nil:
		if errors.Is(err, ErrOutOfGas) || hctx.result.Kind == FailureOutOfGas {
			hctx.result.Kind = FailureOutOfGas
		} else if hctx.result.Kind == "" {
			hctx.result.Kind = FailureWasmTrap
		}
		hctx.result.Success = false
		hctx.result.Detail = err.Error()
	case hctx.result.Kind != "":
		// a host call already marked failure (out-of-gas, access-set
		// violation, memory violation) before the entry point returned.
		hctx.result.Success = false
	default:
		// The entry point returns i32; 0 = success, non-zero is a
		// contract-signalled failure (state still rolled back).
		if status, ok := asI32(ret); !ok || status != 0 {
			hctx.result.Success = false
			hctx.result.Kind = FailureContractRevert
			hctx.result.Detail = fmt.Sprintf("contract returned status %d", status)
		}
	}
	hctx.result.GasUsed = gas.Used()
	e.log.Debugw("wasm execution complete", "contract", execCtx.ContractAddress.String(), "gas_used", hctx.result.GasUsed, "success", hctx.result.Success)
	return hctx.result
}

// asI32 extracts the entry point's i32 status code from wasmer-go's
// loosely-typed NativeFunction return value.
func asI32(ret interface{}) (int32, bool) {
	switch v := ret.(type) {
	case int32:
		return v, true
	case int64:
		return int32(v), true
	case int:
		return int32(v), true
	default:
		return 0, false
	}
}

func memRead(h *hostCtx, ptr, ln int32) ([]byte, bool) {
	data := h.mem.Data()
	if ptr < 0 || ln < 0 || int(ptr)+int(ln) > len(data) {
		return nil, false
	}
	out := make([]byte, ln)
	copy(out, data[ptr:int(ptr)+int(ln)])
	return out, true
}

func memWrite(h *hostCtx, ptr int32, value []byte) bool {
	data := h.mem.Data()
	if ptr < 0 || int(ptr)+len(value) > len(data) {
		return false
	}
	copy(data[ptr:], value)
	return true
}

func i32Params(n int) *wasmer.ValueTypes {
	kinds := make([]wasmer.ValueKind, n)
	for i := range kinds {
		kinds[i] = wasmer.I32
	}
	return wasmer.NewValueTypes(kinds...)
}

func memViolation(h *hostCtx) ([]wasmer.Value, error) {
	h.result.Success = false
	h.result.Kind = FailureMemoryAccessViolation
	h.result.Detail = "out-of-bounds memory access"
	return []wasmer.Value{wasmer.NewI32(-1)}, nil
}

func chargeOrFail(h *hostCtx, cost uint64) bool {
	if err := h.gas.Consume(cost); err != nil {
		h.result.Success = false
		h.result.Kind = FailureOutOfGas
		h.result.Detail = err.Error()
		return false
	}
	return true
}

// registerHost builds the "env" import namespace: block_number,
// timestamp, caller, address, storage_read, storage_write, transfer,
// sha256 and emit_log, each charged its own gas cost.
func (e *Engine) registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	blockNumber := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(h, GasCostBlockNumber) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(h.execCtx.BlockNumber))}, nil
		})

	timestamp := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(h, GasCostTimestamp) {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(h.execCtx.Timestamp))}, nil
		})

	caller := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(1), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(h, GasCostCaller) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if !memWrite(h, args[0].I32(), h.execCtx.Caller.Bytes()) {
				return memViolation(h)
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	address := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(1), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(h, GasCostAddress) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if !memWrite(h, args[0].I32(), h.execCtx.ContractAddress.Bytes()) {
				return memViolation(h)
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	storageRead := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(3), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(h, GasCostStorageRead) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			keyPtr, keyLen, dstPtr := args[0].I32(), args[1].I32(), args[2].I32()
			key, ok := memRead(h, keyPtr, keyLen)
			if !ok {
				return memViolation(h)
			}
			val, err := h.host.StorageRead(h.execCtx.ContractAddress, key)
			if err != nil {
				h.result.Success = false
				h.result.Kind = FailureInvalidAccessSetInternal
				h.result.Detail = err.Error()
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if val == nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			if !memWrite(h, dstPtr, val) {
				return memViolation(h)
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
		})

	storageWrite := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(4), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			keyPtr, keyLen, valPtr, valLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			key, ok := memRead(h, keyPtr, keyLen)
			if !ok {
				return memViolation(h)
			}
			// Base cost plus a surcharge when the prior value was empty
			// (first occupation of the slot).
			cost := GasCostStorageWrite
			prior, _ := h.host.StorageRead(h.execCtx.ContractAddress, key)
			if len(prior) == 0 {
				cost += GasCostStorageWriteNewSlot
			}
			if !chargeOrFail(h, cost) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			val, ok := memRead(h, valPtr, valLen)
			if !ok {
				return memViolation(h)
			}
			if err := h.host.StorageWrite(h.execCtx.ContractAddress, key, val); err != nil {
				h.result.Success = false
				h.result.Kind = FailureInvalidAccessSetInternal
				h.result.Detail = err.Error()
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	transfer := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(2), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !chargeOrFail(h, GasCostTransfer) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			toPtr, amountPtr := args[0].I32(), args[1].I32()
			toBytes, ok := memRead(h, toPtr, 20)
			if !ok {
				return memViolation(h)
			}
			amtBytes, ok := memRead(h, amountPtr, 16)
			if !ok {
				return memViolation(h)
			}
			var to Address
			copy(to[:], toBytes)
			var amount U128
			copy(amount[:], amtBytes)
			ok2, err := h.host.Transfer(h.execCtx.ContractAddress, to, amount)
			if err != nil {
				h.result.Success = false
				h.result.Kind = FailureInvalidAccessSetInternal
				h.result.Detail = err.Error()
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if !ok2 {
				return []wasmer.Value{wasmer.NewI32(-2)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	sha256Fn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(3), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			srcPtr, srcLen, dstPtr := args[0].I32(), args[1].I32(), args[2].I32()
			// GasCostSha256Base + GasCostSha256PerWord*word_count, word =
			// 4 bytes, rounded up.
			wordCount := (uint64(srcLen) + 3) / 4
			if !chargeOrFail(h, GasCostSha256Base+GasCostSha256PerWord*wordCount) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			data, ok := memRead(h, srcPtr, srcLen)
			if !ok {
				return memViolation(h)
			}
			sum := sha256.Sum256(data)
			if !memWrite(h, dstPtr, sum[:]) {
				return memViolation(h)
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	// emit_log(topics_ptr, topics_count, data_ptr, data_len): topics_ptr
	// points to topics_count consecutive 32-byte hashes, matching the
	// Log type's { contract_address, topics, data } shape.
	emitLog := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32Params(4), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			topicsPtr, topicsCount, dataPtr, dataLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			// GasCostEmitLogBase + GasCostEmitLogPerByte*data_len.
			if !chargeOrFail(h, GasCostEmitLogBase+GasCostEmitLogPerByte*uint64(dataLen)) {
				return []wasmer.Value{}, nil
			}
			data, ok := memRead(h, dataPtr, dataLen)
			if !ok {
				_, _ = memViolation(h)
				return []wasmer.Value{}, nil
			}
			var topics []Hash
			if topicsCount > 0 {
				raw, ok := memRead(h, topicsPtr, topicsCount*32)
				if !ok {
					_, _ = memViolation(h)
					return []wasmer.Value{}, nil
				}
				topics = make([]Hash, topicsCount)
				for i := range topics {
					copy(topics[i][:], raw[i*32:(i+1)*32])
				}
			}
			h.host.EmitLog(Log{ContractAddress: h.execCtx.ContractAddress, Topics: topics, Data: data})
			return []wasmer.Value{}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"block_number":  blockNumber,
		"timestamp":     timestamp,
		"caller":        caller,
		"address":       address,
		"storage_read":  storageRead,
		"storage_write": storageWrite,
		"transfer":      transfer,
		"sha256":        sha256Fn,
		"emit_log":      emitLog,
	})
	return imports
}
