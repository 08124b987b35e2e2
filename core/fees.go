package core

// Fee schedule: min_fee = a + b*size + c*gas_limit + d*mem_bytes.
// Parameters are genesis-time constants stored in the `metadata` column
// family rather than hardcoded, so a running chain's fee parameters are
// loaded from the store at NewLedger time instead of recompiled in.

import "encoding/binary"

// FeeSchedule holds the four linear-fee coefficients plus the per-call
// WASM memory size that the d coefficient multiplies.
type FeeSchedule struct {
	BaseFee        uint64 // a
	PerByteFee     uint64 // b, multiplies encoded transaction size
	PerGasFee      uint64 // c, multiplies GasLimit
	PerMemByteFee  uint64 // d, multiplies requested WASM memory bytes
	MemoryBytes    uint64 // fixed per-call WASM memory bound (16MiB)
}

// DefaultFeeSchedule returns conservative genesis defaults; production
// deployments override these via Config before genesis.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BaseFee:       1000,
		PerByteFee:    1,
		PerGasFee:     1,
		PerMemByteFee: 0,
		MemoryBytes:   16 * 1024 * 1024,
	}
}

// MinFee computes the minimum acceptable fee for a transaction of the
// given encoded size and declared gas limit.
func (f FeeSchedule) MinFee(txSizeBytes int, gasLimit uint64) U128 {
	total := f.BaseFee + f.PerByteFee*uint64(txSizeBytes) + f.PerGasFee*gasLimit + f.PerMemByteFee*f.MemoryBytes
	return U128FromUint64(total)
}

// Encode/Decode persist the schedule under MetaKeyFeeSchedule.
func (f FeeSchedule) Encode() []byte {
	b := make([]byte, 40)
	binary.BigEndian.PutUint64(b[0:8], f.BaseFee)
	binary.BigEndian.PutUint64(b[8:16], f.PerByteFee)
	binary.BigEndian.PutUint64(b[16:24], f.PerGasFee)
	binary.BigEndian.PutUint64(b[24:32], f.PerMemByteFee)
	binary.BigEndian.PutUint64(b[32:40], f.MemoryBytes)
	return b
}

func DecodeFeeSchedule(b []byte) FeeSchedule {
	if len(b) < 40 {
		return DefaultFeeSchedule()
	}
	return FeeSchedule{
		BaseFee:       binary.BigEndian.Uint64(b[0:8]),
		PerByteFee:    binary.BigEndian.Uint64(b[8:16]),
		PerGasFee:     binary.BigEndian.Uint64(b[16:24]),
		PerMemByteFee: binary.BigEndian.Uint64(b[24:32]),
		MemoryBytes:   binary.BigEndian.Uint64(b[32:40]),
	}
}

// Host-call gas costs. Each is a fixed or size-dependent cost debited by
// the GasMeter when the corresponding import is invoked from WASM.
const (
	GasCostBlockNumber         uint64 = 2
	GasCostTimestamp           uint64 = 2
	GasCostCaller              uint64 = 2
	GasCostAddress             uint64 = 2
	GasCostStorageRead         uint64 = 200
	GasCostStorageWrite        uint64 = 5000
	GasCostStorageWriteNewSlot uint64 = 20000
	GasCostTransfer            uint64 = 9000
	GasCostSha256Base          uint64 = 60
	GasCostSha256PerWord       uint64 = 12
	GasCostEmitLogBase         uint64 = 375
	GasCostEmitLogPerByte      uint64 = 8
)

const (
	// MaxMemoryBytes is the nominal 16MiB WASM linear memory size. The
	// Engine does not enforce it.
	MaxMemoryBytes = 16 * 1024 * 1024
	// MaxCallStackDepth is the nominal call-nesting depth. The Engine does
	// not enforce it.
	MaxCallStackDepth = 1024
)
