// Package mpi provides blocking collective operations for a fixed set
// of ranks running as goroutines inside one process. The rank count is
// fixed for the lifetime of a World; every collective is a synchronous
// barrier point for all ranks, and there are no timeouts or
// cancellation semantics. Operations either complete or the run is
// torn down by the caller.
package mpi

import (
	"fmt"
	"sync"
)

// World holds the shared state of a communicator group. Create one
// World per run and hand each rank its Comm.
type World struct {
	size  int
	bar   *barrier
	board []any
	p2p   []chan any
}

// NewWorld creates a communicator group of the given size.
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("mpi: world size %d < 1", size))
	}
	w := &World{
		size:  size,
		bar:   newBarrier(size),
		board: make([]any, size),
		p2p:   make([]chan any, size*size),
	}
	for i := range w.p2p {
		w.p2p[i] = make(chan any, 4)
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// Comm returns the communicator handle for one rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.size {
		panic(fmt.Sprintf("mpi: rank %d out of range [0,%d)", rank, w.size))
	}
	return &Comm{w: w, rank: rank}
}

// Comm is a per-rank handle on a World. It is not safe for use by more
// than one goroutine: one rank, one goroutine.
type Comm struct {
	w    *World
	rank int
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.w.size }

// Barrier blocks until every rank has entered it.
func (c *Comm) Barrier() { c.w.bar.await() }

// barrier is a reusable sense-reversing barrier.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	size  int
	count int
	sense bool
}

func newBarrier(size int) *barrier {
	b := &barrier{size: size}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) await() {
	b.mu.Lock()
	sense := b.sense
	b.count++
	if b.count == b.size {
		b.count = 0
		b.sense = !sense
		b.cond.Broadcast()
	} else {
		for b.sense == sense {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// Send delivers a value to dst. Matching is by (source, destination)
// pair in program order; the channel buffers a few messages so the
// small request/payload protocols used by the tree merge do not
// deadlock.
func Send[T any](c *Comm, dst int, v T) {
	c.w.p2p[c.rank*c.w.size+dst] <- v
}

// Recv receives the next value sent from src to this rank.
func Recv[T any](c *Comm, src int) T {
	return (<-c.w.p2p[src*c.w.size+c.rank]).(T)
}

// Bcast distributes root's value to every rank.
func Bcast[T any](c *Comm, v T, root int) T {
	if c.rank == root {
		c.w.board[root] = v
	}
	c.Barrier()
	out := c.w.board[root].(T)
	c.Barrier()
	return out
}

// Allgather collects one value per rank, ordered by rank.
func Allgather[T any](c *Comm, v T) []T {
	c.w.board[c.rank] = v
	c.Barrier()
	out := make([]T, c.w.size)
	for i := range out {
		out[i] = c.w.board[i].(T)
	}
	c.Barrier()
	return out
}

// Allgatherv concatenates variable-length contributions in rank order.
// The returned counts slice gives each rank's contribution length.
func Allgatherv[T any](c *Comm, xs []T) ([]T, []int) {
	c.w.board[c.rank] = xs
	c.Barrier()
	counts := make([]int, c.w.size)
	total := 0
	for i := 0; i < c.w.size; i++ {
		counts[i] = len(c.w.board[i].([]T))
		total += counts[i]
	}
	out := make([]T, 0, total)
	for i := 0; i < c.w.size; i++ {
		out = append(out, c.w.board[i].([]T)...)
	}
	c.Barrier()
	return out, counts
}

// Alltoall exchanges one value per rank pair: the i-th element of the
// input goes to rank i, and the i-th element of the result came from
// rank i.
func Alltoall[T any](c *Comm, xs []T) []T {
	if len(xs) != c.w.size {
		panic(fmt.Sprintf("mpi: alltoall buffer length %d != world size %d", len(xs), c.w.size))
	}
	c.w.board[c.rank] = xs
	c.Barrier()
	out := make([]T, c.w.size)
	for i := 0; i < c.w.size; i++ {
		out[i] = c.w.board[i].([]T)[c.rank]
	}
	c.Barrier()
	return out
}

// AlltoallvSparse exchanges variable-length buffers between all rank
// pairs. send[i] is the buffer destined for rank i (nil when nothing
// moves on that edge); the result's i-th slice holds what rank i sent
// here. Received data is copied, so senders may reuse their buffers
// as soon as the call returns.
func AlltoallvSparse[T any](c *Comm, send [][]T) [][]T {
	if len(send) != c.w.size {
		panic(fmt.Sprintf("mpi: alltoallv buffer count %d != world size %d", len(send), c.w.size))
	}
	c.w.board[c.rank] = send
	c.Barrier()
	recv := make([][]T, c.w.size)
	for i := 0; i < c.w.size; i++ {
		theirs := c.w.board[i].([][]T)[c.rank]
		if len(theirs) == 0 {
			continue
		}
		recv[i] = make([]T, len(theirs))
		copy(recv[i], theirs)
	}
	c.Barrier()
	return recv
}

// Number covers the element types the reductions operate on.
type Number interface {
	~int | ~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// AllreduceSum returns the sum of v over all ranks.
func AllreduceSum[T Number](c *Comm, v T) T {
	var sum T
	for _, x := range Allgather(c, v) {
		sum += x
	}
	return sum
}

// AllreduceMin returns the minimum of v over all ranks.
func AllreduceMin[T Number](c *Comm, v T) T {
	all := Allgather(c, v)
	min := all[0]
	for _, x := range all[1:] {
		if x < min {
			min = x
		}
	}
	return min
}

// AllreduceMax returns the maximum of v over all ranks.
func AllreduceMax[T Number](c *Comm, v T) T {
	all := Allgather(c, v)
	max := all[0]
	for _, x := range all[1:] {
		if x > max {
			max = x
		}
	}
	return max
}

// AllreduceSumSlice sums equal-length slices elementwise across ranks.
func AllreduceSumSlice[T Number](c *Comm, xs []T) []T {
	if len(xs) == 0 {
		c.Barrier()
		c.Barrier()
		return nil
	}
	all, _ := Allgatherv(c, xs)
	out := make([]T, len(xs))
	for i, x := range all {
		out[i%len(xs)] += x
	}
	return out
}

// AllreduceMinSlice takes the elementwise minimum across ranks.
func AllreduceMinSlice[T Number](c *Comm, xs []T) []T {
	return allreduceSlice(c, xs, func(a, b T) T {
		if b < a {
			return b
		}
		return a
	})
}

// AllreduceMaxSlice takes the elementwise maximum across ranks.
func AllreduceMaxSlice[T Number](c *Comm, xs []T) []T {
	return allreduceSlice(c, xs, func(a, b T) T {
		if b > a {
			return b
		}
		return a
	})
}

func allreduceSlice[T Number](c *Comm, xs []T, pick func(a, b T) T) []T {
	if len(xs) == 0 {
		c.Barrier()
		c.Barrier()
		return nil
	}
	all, _ := Allgatherv(c, xs)
	out := make([]T, len(xs))
	copy(out, all[:len(xs)])
	for i := len(xs); i < len(all); i++ {
		out[i%len(xs)] = pick(out[i%len(xs)], all[i])
	}
	return out
}

// LogicalOrAll reports whether the flag is raised on any rank. This is
// the agreement step behind every "retry the whole phase" decision:
// either all ranks retry or none do.
func LogicalOrAll(c *Comm, flag bool) bool {
	v := 0
	if flag {
		v = 1
	}
	return AllreduceMax(c, v) != 0
}
