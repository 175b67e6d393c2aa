package lease

// StoreListenerAttached reports whether a change listener is currently
// registered with the underlying store. Exposed to the package tests.
func (c *Coordinator) StoreListenerAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cancelStore != nil
}
