package state

// Status classifies the outcome of a read path. Environmental problems
// never surface as errors from reads; they collapse into Absent or
// Degraded so the reading experience keeps working.
type Status int

const (
	// StatusAbsent means nothing usable is stored. Corrupted records and
	// future-schema records also read as absent.
	StatusAbsent Status = iota
	// StatusOk means the value was read normally.
	StatusOk
	// StatusDegraded means the value is the best available fallback after
	// an environmental failure; Reason says what went wrong.
	StatusDegraded
)

// Result is the typed outcome of a read: Ok(value), Degraded(value, reason)
// or Absent.
type Result[T any] struct {
	Status Status
	Value  T
	Reason error
}

// Ok wraps a normally-read value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Status: StatusOk, Value: v}
}

// Absent is the empty result.
func Absent[T any]() Result[T] {
	return Result[T]{Status: StatusAbsent}
}

// Degraded wraps the best available fallback value after an environmental
// failure.
func Degraded[T any](v T, reason error) Result[T] {
	return Result[T]{Status: StatusDegraded, Value: v, Reason: reason}
}

// Present reports whether the result carries a usable value.
func (r Result[T]) Present() bool {
	return r.Status != StatusAbsent
}

// Get returns the value and whether it is usable.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.Status != StatusAbsent
}

// Or returns the value, or def when absent.
func (r Result[T]) Or(def T) T {
	if r.Status == StatusAbsent {
		return def
	}
	return r.Value
}
