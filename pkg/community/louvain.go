package community

import (
	"slices"
	"sort"
)

const epsilon = 1e-12

// Graph is an undirected weighted graph. Node order is fixed at creation and
// every algorithm walks nodes and neighbours in that order, so results only
// depend on the input, never on map iteration.
type Graph struct {
	ids   []string
	index map[string]int
	adj   []map[int]float64
}

// NewGraph creates a graph over the given node ids, sorted and deduplicated.
func NewGraph(ids []string) *Graph {
	ids = slices.Clone(ids)
	sort.Strings(ids)
	ids = slices.Compact(ids)

	g := &Graph{
		ids:   ids,
		index: make(map[string]int, len(ids)),
		adj:   make([]map[int]float64, len(ids)),
	}
	for i, id := range ids {
		g.index[id] = i
		g.adj[i] = map[int]float64{}
	}
	return g
}

// AddEdge adds weight w between a and b. Repeated edges accumulate. Self
// loops and unknown nodes are ignored.
func (g *Graph) AddEdge(a, b string, w float64) {
	i, okA := g.index[a]
	j, okB := g.index[b]
	if !okA || !okB || i == j || w <= 0 {
		return
	}
	g.adj[i][j] += w
	g.adj[j][i] += w
}

// Nodes returns the node ids in graph order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.ids)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.ids)
}

// weighted is the working form of a graph during Louvain: a symmetric
// adjacency matrix where self[i] holds the weight inside node i, counted
// twice as in the diagonal of the adjacency matrix.
type weighted struct {
	adj    []map[int]float64
	self   []float64
	degree []float64
	total  float64
}

func newWeighted(adj []map[int]float64, self []float64) *weighted {
	w := &weighted{adj: adj, self: self, degree: make([]float64, len(adj))}
	for i := range adj {
		d := self[i]
		for _, v := range adj[i] {
			d += v
		}
		w.degree[i] = d
		w.total += d
	}
	return w
}

func (w *weighted) neighbours(i int) []int {
	out := make([]int, 0, len(w.adj[i]))
	for j := range w.adj[i] {
		out = append(out, j)
	}
	sort.Ints(out)
	return out
}

// localMoving moves nodes between communities while modularity improves.
// Nodes are visited in index order; a node only leaves its community for a
// strictly better one, and among equally good candidates the smallest
// community id wins. The result labels communities 0..k-1 in order of
// their smallest node.
func (w *weighted) localMoving() []int {
	n := len(w.adj)
	comm := make([]int, n)
	tot := make([]float64, n)
	for i := range comm {
		comm[i] = i
		tot[i] = w.degree[i]
	}
	if w.total == 0 {
		return comm
	}

	for sweep := 0; sweep < 100; sweep++ {
		moved := false
		for i := 0; i < n; i++ {
			links := map[int]float64{}
			var cands []int
			for _, j := range w.neighbours(i) {
				c := comm[j]
				if _, ok := links[c]; !ok {
					cands = append(cands, c)
				}
				links[c] += w.adj[i][j]
			}

			own := comm[i]
			tot[own] -= w.degree[i]
			gain := func(c int) float64 {
				return links[c] - tot[c]*w.degree[i]/w.total
			}

			best, bestGain := own, gain(own)
			sort.Ints(cands)
			for _, c := range cands {
				if c == own {
					continue
				}
				if g := gain(c); g > bestGain+epsilon {
					best, bestGain = c, g
				}
			}

			tot[best] += w.degree[i]
			if best != own {
				comm[i] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return relabel(comm)
}

func relabel(comm []int) []int {
	ids := map[int]int{}
	out := make([]int, len(comm))
	for i, c := range comm {
		id, ok := ids[c]
		if !ok {
			id = len(ids)
			ids[c] = id
		}
		out[i] = id
	}
	return out
}

// aggregate collapses every community into one node.
func (w *weighted) aggregate(comm []int, k int) *weighted {
	adj := make([]map[int]float64, k)
	for c := range adj {
		adj[c] = map[int]float64{}
	}
	self := make([]float64, k)
	for i := range w.adj {
		ci := comm[i]
		self[ci] += w.self[i]
		for j, v := range w.adj[i] {
			cj := comm[j]
			if ci == cj {
				self[ci] += v
			} else {
				adj[ci][cj] += v
			}
		}
	}
	return newWeighted(adj, self)
}

// Hierarchy runs Louvain and returns one partition per level. Level 0 groups
// graph nodes, level n groups the communities of level n-1; each community
// is the sorted list of member indices into the level below. Clustering
// stops when a pass merges nothing, a single community remains or maxLevels
// partitions exist. Level 0 is always returned, even when every node stays
// on its own.
func (g *Graph) Hierarchy(maxLevels int) [][][]int {
	if len(g.ids) == 0 {
		return nil
	}
	maxLevels = max(1, maxLevels)

	w := newWeighted(g.adj, make([]float64, len(g.ids)))
	var levels [][][]int
	for len(levels) < maxLevels {
		comm := w.localMoving()
		k := 0
		for _, c := range comm {
			k = max(k, c+1)
		}
		if len(levels) > 0 && k == len(comm) {
			break
		}

		groups := make([][]int, k)
		for i, c := range comm {
			groups[c] = append(groups[c], i)
		}
		levels = append(levels, groups)
		if k == 1 {
			break
		}
		w = w.aggregate(comm, k)
	}
	return levels
}

// Modularity returns the modularity of a partition of g, given as the
// community label of every node.
func (g *Graph) Modularity(comm []int) float64 {
	w := newWeighted(g.adj, make([]float64, len(g.ids)))
	if w.total == 0 {
		return 0
	}
	in := map[int]float64{}
	tot := map[int]float64{}
	for i := range w.adj {
		tot[comm[i]] += w.degree[i]
		for j, v := range w.adj[i] {
			if comm[i] == comm[j] {
				in[comm[i]] += v
			}
		}
	}
	var q float64
	for c, t := range tot {
		q += in[c]/w.total - (t/w.total)*(t/w.total)
	}
	return q
}

// Flatten maps every graph node to its level-0 community label.
func Flatten(n int, level0 [][]int) []int {
	out := make([]int, n)
	for c, members := range level0 {
		for _, m := range members {
			out[m] = c
		}
	}
	return out
}
