package counter

import "sync/atomic"

// Counter is an int64 that is only ever touched through atomic operations.
// The zero value is a counter at 0.
type Counter int64

// Inc adds one and returns the new value.
func (c *Counter) Inc() int64 {
	return atomic.AddInt64((*int64)(c), 1)
}

func (c *Counter) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}
