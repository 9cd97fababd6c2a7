package gas

// Schedule holds the fixed cost charged for each class of host function.
type Schedule struct {
	Call          uint64 `codec:"call"`
	StorageLoad   uint64 `codec:"storageLoad"`
	StorageStore  uint64 `codec:"storageStore"`
	Deploy        uint64 `codec:"deploy"`
	Log           uint64 `codec:"log"`
	EncodeAddress uint64 `codec:"encodeAddress"`
	Abort         uint64 `codec:"abort"`
	// FunctionCall and Instruction are charged by code injected into guest
	// modules on engines without fuel. Fuel engines charge one unit per
	// instruction instead.
	FunctionCall uint64 `codec:"functionCall"`
	Instruction  uint64 `codec:"instruction"`
}

// DefaultSchedule returns the costs used when nothing is configured.
func DefaultSchedule() Schedule {
	return Schedule{
		Call:          1_000,
		StorageLoad:   500,
		StorageStore:  1_000,
		Deploy:        5_000,
		Log:           50,
		EncodeAddress: 100,
		Abort:         100,
		FunctionCall:  5,
		Instruction:   1,
	}
}
