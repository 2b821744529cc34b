package pipeline

// ConnectionError is returned when the store cannot be opened. It is fatal to
// the pass and nothing was written.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "pipeline: connect store: " + e.Err.Error() }

func (e *ConnectionError) Unwrap() error { return e.Err }
