package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// planCache keeps one gonum FFT plan per transform length. Building a plan
// factorizes the length and precomputes twiddles, which dominates the cost of
// the short transforms used for symbols and correlation windows.
//
// A fourier.CmplxFFT carries scratch state, so each plan is guarded by its own
// mutex while it is in use.
type planCache struct {
	mu    sync.Mutex
	plans map[int]*cachedPlan
}

type cachedPlan struct {
	mu  sync.Mutex
	fft *fourier.CmplxFFT
}

var plans = &planCache{plans: make(map[int]*cachedPlan)}

func (c *planCache) get(n int) *cachedPlan {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[n]
	if !ok {
		p = &cachedPlan{fft: fourier.NewCmplxFFT(n)}
		c.plans[n] = p
	}
	return p
}

// Size reports how many distinct lengths have a cached plan.
func (c *planCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

func (p *cachedPlan) coefficients(x []complex128) []complex128 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fft.Coefficients(nil, x)
}

func (p *cachedPlan) sequence(x []complex128) []complex128 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fft.Sequence(nil, x)
}
