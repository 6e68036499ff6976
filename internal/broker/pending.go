package broker

import (
	"sync"
)

// pendingResult is a single-assignment future. Only the first resolve wins.
type pendingResult struct {
	once sync.Once
	ch   chan Result
}

func newPendingResult() *pendingResult {
	return &pendingResult{ch: make(chan Result, 1)}
}

func (p *pendingResult) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.ch <- r
		resolved = true
	})
	return resolved
}

func (p *pendingResult) done() <-chan Result {
	return p.ch
}

// pendingConfirms tracks in-flight publishes by correlation id so that
// asynchronous broker callbacks can resolve the waiting caller.
type pendingConfirms struct {
	entries sync.Map
}

func (p *pendingConfirms) register(correlationID string) *pendingResult {
	entry := newPendingResult()
	p.entries.Store(correlationID, entry)
	return entry
}

// resolve reports false when nobody is waiting for correlationID anymore.
func (p *pendingConfirms) resolve(correlationID string, r Result) bool {
	value, ok := p.entries.Load(correlationID)
	if !ok {
		return false
	}
	return value.(*pendingResult).resolve(r)
}

func (p *pendingConfirms) remove(correlationID string) {
	p.entries.Delete(correlationID)
}

func (p *pendingConfirms) failAll(r Result) {
	p.entries.Range(func(_, value any) bool {
		value.(*pendingResult).resolve(r)
		return true
	})
}

func (p *pendingConfirms) len() int {
	n := 0
	p.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
