package closure

import (
	"container/heap"
	"fmt"
	"sort"
)

// CycleError is a deterministic witness of a dependency cycle: From depends
// on To, and To (transitively) depends on From. Path runs To ... From -> To.
type CycleError[T any] struct {
	From, To T
	Path     []T
}

func (e *CycleError[T]) Error() string {
	return fmt.Sprintf("cycle detected in the dependencies of '%v' from '%v'", e.To, e.From)
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopoSort orders items so that every item comes after the items deps
// reports for it. Dependencies outside items are ignored.
//
// Determinism: items are indexed in less order and the ready queue is a
// min-heap over that index, so among independent items the least comes first.
func TopoSort[T comparable](items []T, less func(a, b T) bool, deps func(T) ([]T, error)) ([]T, error) {
	nodes := append([]T{}, items...)
	sort.SliceStable(nodes, func(i, j int) bool { return less(nodes[i], nodes[j]) })

	index := make(map[T]int, len(nodes))
	uniq := nodes[:0]
	for _, n := range nodes {
		if _, dup := index[n]; dup {
			continue
		}
		index[n] = len(uniq)
		uniq = append(uniq, n)
	}
	nodes = uniq

	// depsOf[i] are the indices i depends on; dependents[j] the indices
	// depending on j. Both are sorted.
	depsOf := make([][]int, len(nodes))
	dependents := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for i, n := range nodes {
		ds, err := deps(n)
		if err != nil {
			return nil, err
		}
		seen := make(map[int]bool, len(ds))
		for _, d := range ds {
			j, ok := index[d]
			if !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			depsOf[i] = append(depsOf[i], j)
			dependents[j] = append(dependents[j], i)
			indeg[i]++
		}
		sort.Ints(depsOf[i])
	}
	for j := range dependents {
		sort.Ints(dependents[j])
	}

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]T, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, nodes[n])
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	if len(out) == len(nodes) {
		return out, nil
	}
	return nil, findCycle(nodes, depsOf)
}

// findCycle walks dependency edges depth-first in index order and returns
// the first back-edge it meets.
func findCycle[T comparable](nodes []T, depsOf [][]int) *CycleError[T] {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(nodes))
	parent := make([]int, len(nodes))
	for i := range parent {
		parent[i] = -1
	}

	var witness *CycleError[T]
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range depsOf[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v; the cycle is v ... u -> v along parents.
				var rev []T
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					rev = append(rev, nodes[cur])
				}
				path := []T{nodes[v]}
				for i := len(rev) - 1; i >= 0; i-- {
					path = append(path, rev[i])
				}
				path = append(path, nodes[v])
				witness = &CycleError[T]{From: nodes[u], To: nodes[v], Path: path}
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return witness
}
