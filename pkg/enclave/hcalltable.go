package enclave

// HCallName is the stable, guest-visible name of a single H-call.
type HCallName string

const (
	HCallInputCount  HCallName = "__veracruz_hcall_input_count"
	HCallInputSize   HCallName = "__veracruz_hcall_input_size"
	HCallReadInput   HCallName = "__veracruz_hcall_read_input"
	HCallWriteOutput HCallName = "__veracruz_hcall_write_output"
	HCallGetRandom   HCallName = "__veracruz_hcall_getrandom"
)

// HCallIndex is the small stable integer the WASM engine's dispatch
// callback switches on. Index and name always travel together through
// hcallTable so no H-call implementation can ever tag an arity error with
// another H-call's name.
type HCallIndex int

const (
	HCallIndexInputCount HCallIndex = iota
	HCallIndexInputSize
	HCallIndexReadInput
	HCallIndexWriteOutput
	HCallIndexGetRandom
)

// HCallDescriptor binds one H-call's name, index and arity together. Every
// parameter and the single result in the sandbox ABI is a WASM i32, so
// arity alone fully describes the signature; a Backend translates that
// into its own value-type vocabulary when registering the import.
//
// HCallDescriptor is the single source of truth the host-module builder
// and the arity-checking dispatcher both read from — the root cause of the
// original write_output arity bug was two code paths keeping their own copy
// of "which name goes with this call"; here there is only one.
type HCallDescriptor struct {
	Index      HCallIndex
	Name       HCallName
	ParamCount int
}

// hcallTable enumerates all five H-calls in index order.
var hcallTable = [...]HCallDescriptor{
	{Index: HCallIndexInputCount, Name: HCallInputCount, ParamCount: 1},
	{Index: HCallIndexInputSize, Name: HCallInputSize, ParamCount: 2},
	{Index: HCallIndexReadInput, Name: HCallReadInput, ParamCount: 3},
	{Index: HCallIndexWriteOutput, Name: HCallWriteOutput, ParamCount: 2},
	{Index: HCallIndexGetRandom, Name: HCallGetRandom, ParamCount: 2},
}

// HCallTable returns a copy of the five H-call descriptors in index order.
func HCallTable() []HCallDescriptor {
	out := make([]HCallDescriptor, len(hcallTable))
	copy(out, hcallTable[:])
	return out
}

// hcallArity returns the expected argument count for index. ok is false for
// an index outside the table, which the caller must treat as
// UnknownHostFunction.
func hcallArity(index HCallIndex) (count int, ok bool) {
	if int(index) < 0 || int(index) >= len(hcallTable) {
		return 0, false
	}
	return hcallTable[index].ParamCount, true
}

// hcallName returns the descriptor's own name for index, never a
// neighboring call's name.
func hcallName(index HCallIndex) (HCallName, bool) {
	if int(index) < 0 || int(index) >= len(hcallTable) {
		return "", false
	}
	return hcallTable[index].Name, true
}
