package transfer

// Callbacks are the caller-supplied notification hooks for one transfer
// session. Any field may be nil.
//
// OnProgress fires at most once per processed chunk with the cumulative
// completion percentage (0-100) and a smoothed throughput estimate in bytes
// per second. OnComplete and OnError are mutually exclusive and fire at most
// once; a cancelled transfer fires neither.
type Callbacks struct {
	OnProgress func(percent float64, bytesPerSecond float64)
	OnComplete func()
	OnError    func(err error)
}

func (c Callbacks) progress(percent, speed float64) {
	if c.OnProgress != nil {
		c.OnProgress(percent, speed)
	}
}

func (c Callbacks) complete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
