package group

// disjointSet is a union-find over lead ids with path compression.
// Insertion order is tracked so component output is deterministic.
type disjointSet struct {
	parent map[string]string
	order  []string
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: make(map[string]string)}
}

func (d *disjointSet) add(id string) {
	if _, ok := d.parent[id]; ok {
		return
	}
	d.parent[id] = id
	d.order = append(d.order, id)
}

func (d *disjointSet) find(id string) string {
	root := id
	for d.parent[root] != root {
		root = d.parent[root]
	}
	for d.parent[id] != root {
		d.parent[id], id = root, d.parent[id]
	}
	return root
}

func (d *disjointSet) union(a, b string) {
	ra, rb := d.find(a), d.find(b)
	if ra != rb {
		d.parent[rb] = ra
	}
}

// components returns the member sets grouped by root, ordered by the
// first appearance of any member, members in insertion order.
func (d *disjointSet) components() [][]string {
	byRoot := make(map[string][]string)
	var roots []string
	for _, id := range d.order {
		root := d.find(id)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], id)
	}
	out := make([][]string, 0, len(roots))
	for _, root := range roots {
		out = append(out, byRoot[root])
	}
	return out
}
