package rewind

// A Request is one step of work a session needs the host to run against
// its simulation. AdvanceFrame returns requests in execution order; the
// host must process every one, in order, before the next tick.
type Request[I Input[I], S any] interface {
	sessionRequest()
}

// SaveRequest asks the host to serialize its state into Cell and store a
// checksum for it. Emitted exactly once per advanced frame.
type SaveRequest[I Input[I], S any] struct {
	Frame Frame
	Cell  *Cell[S]
}

// LoadRequest asks the host to restore its state from Cell. Emitted only
// during rollback; the cell was previously filled by a SaveRequest.
type LoadRequest[I Input[I], S any] struct {
	Frame Frame
	Cell  *Cell[S]
}

// AdvanceRequest asks the host to step the simulation one tick with the
// given inputs, ordered by handle.
type AdvanceRequest[I Input[I], S any] struct {
	Inputs []SyncInput[I]
}

func (SaveRequest[I, S]) sessionRequest()    {}
func (LoadRequest[I, S]) sessionRequest()    {}
func (AdvanceRequest[I, S]) sessionRequest() {}
