package services

import "sync"

// ConcurrencyLimiter caps in-flight requests per identifier within this process.
type ConcurrencyLimiter struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func NewConcurrencyLimiter() *ConcurrencyLimiter {
	return &ConcurrencyLimiter{inFlight: make(map[string]int)}
}

// Acquire takes a slot for identifier. When ok is true the caller must invoke
// release exactly once. A limit <= 0 disables the gate.
func (c *ConcurrencyLimiter) Acquire(identifier string, limit int) (release func(), ok bool) {
	if limit <= 0 {
		return func() {}, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[identifier] >= limit {
		return nil, false
	}
	c.inFlight[identifier]++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.inFlight[identifier] <= 1 {
				delete(c.inFlight, identifier)
				return
			}
			c.inFlight[identifier]--
		})
	}, true
}

// InFlight returns the number of held slots for identifier.
func (c *ConcurrencyLimiter) InFlight(identifier string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[identifier]
}
