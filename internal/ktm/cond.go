package ktm

import "sync"

// syncCond is a mutex with an attached condition variable.
type syncCond struct {
	sync.Mutex
	cond *sync.Cond
}

func (c *syncCond) init() {
	c.cond = sync.NewCond(&c.Mutex)
}

func (c *syncCond) Wait() {
	c.cond.Wait()
}

func (c *syncCond) Broadcast() {
	c.cond.Broadcast()
}
