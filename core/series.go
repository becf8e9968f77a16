package core

import "golang.org/x/exp/constraints"

// Series is an ordered time series of values, newest last.
type Series[T constraints.Ordered] []T

// Values returns the underlying slice.
func (s Series[T]) Values() []T { return s }

// Length returns the number of values in the series.
func (s Series[T]) Length() int { return len(s) }

// Last returns the value at a position from the end; 0 is the newest.
func (s Series[T]) Last(position int) T { return s[len(s)-1-position] }

// LastValues returns the newest 'size' values, or the whole series when it
// holds fewer.
func (s Series[T]) LastValues(size int) Series[T] {
	if l := len(s); l > size {
		return s[l-size:]
	}
	return s
}

// PushCapped appends a value and discards the oldest entries so the series
// never exceeds cap. Executor candle buffers rely on this bound.
func (s Series[T]) PushCapped(v T, capacity int) Series[T] {
	s = append(s, v)
	if len(s) > capacity {
		copy(s, s[len(s)-capacity:])
		s = s[:capacity]
	}
	return s
}

// Crossover detects the series crossing above the reference on the last step.
func (s Series[T]) Crossover(ref Series[T]) bool {
	return s.Last(0) > ref.Last(0) && s.Last(1) <= ref.Last(1)
}

// Crossunder detects the series crossing below the reference on the last step.
func (s Series[T]) Crossunder(ref Series[T]) bool {
	return s.Last(0) <= ref.Last(0) && s.Last(1) > ref.Last(1)
}

// Cross detects a cross in either direction.
func (s Series[T]) Cross(ref Series[T]) bool {
	return s.Crossover(ref) || s.Crossunder(ref)
}
