package outbox

import "sync"

// dispatchPool bounds the number of in-flight provider dispatches so a slow
// provider cannot pile up unbounded goroutines behind the polling sweeps.
type dispatchPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func newDispatchPool(size int) *dispatchPool {
	if size <= 0 {
		size = 1
	}
	return &dispatchPool{slots: make(chan struct{}, size)}
}

// submit runs fn on a new goroutine once a slot is free. It blocks the
// caller while the pool is full, which bounds how far a sweep can run ahead
// of delivery.
func (p *dispatchPool) submit(fn func()) {
	p.slots <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		fn()
	}()
}

// wait blocks until every submitted task has finished.
func (p *dispatchPool) wait() {
	p.wg.Wait()
}
