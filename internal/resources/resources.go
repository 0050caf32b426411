// Package resources hands out CPU allocations to running tasks.
package resources

import (
	"fmt"
	"slices"

	"github.com/me/tasknode/pkg/model"
)

// Allocation is a set of CPUs reserved for one running task.
type Allocation struct {
	CPUs []int

	pool *Pool
}

// Count returns the number of reserved CPUs.
func (a *Allocation) Count() int {
	return len(a.CPUs)
}

// Pool is the set of CPUs on this worker. It is not safe for concurrent use;
// the worker loop owns it.
type Pool struct {
	total int
	free  []bool
	nfree int
}

// NewPool creates a pool of n CPUs numbered 0..n-1.
func NewPool(n int) *Pool {
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return &Pool{total: n, free: free, nfree: n}
}

// Total returns the pool size.
func (p *Pool) Total() int { return p.total }

// Free returns the number of unallocated CPUs.
func (p *Pool) Free() int { return p.nfree }

// Fits reports whether req could ever be satisfied by this pool.
func (p *Pool) Fits(req model.ResourceRequest) bool {
	return req.NormalizedCPUs() <= p.total
}

// Allocate reserves the lowest-numbered free CPUs for req. It returns nil if
// not enough CPUs are free right now.
func (p *Pool) Allocate(req model.ResourceRequest) *Allocation {
	n := req.NormalizedCPUs()
	if n > p.nfree {
		return nil
	}
	cpus := make([]int, 0, n)
	for i := 0; i < p.total && len(cpus) < n; i++ {
		if p.free[i] {
			p.free[i] = false
			cpus = append(cpus, i)
		}
	}
	p.nfree -= n
	return &Allocation{CPUs: cpus, pool: p}
}

// Release returns an allocation to the pool. Releasing an allocation twice or
// into a different pool panics.
func (p *Pool) Release(a *Allocation) {
	if a.pool != p {
		panic(fmt.Sprintf("resources: allocation %v released into foreign pool", a.CPUs))
	}
	for _, cpu := range a.CPUs {
		if p.free[cpu] {
			panic(fmt.Sprintf("resources: cpu %d released twice", cpu))
		}
	}
	for _, cpu := range a.CPUs {
		p.free[cpu] = true
	}
	p.nfree += len(a.CPUs)
	a.pool = nil
}

// FreeCPUs returns the ids of the unallocated CPUs.
func (p *Pool) FreeCPUs() []int {
	ids := make([]int, 0, p.nfree)
	for i, ok := range p.free {
		if ok {
			ids = append(ids, i)
		}
	}
	return slices.Clip(ids)
}
