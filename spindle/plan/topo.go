package plan

import (
	"fmt"
	"strings"

	"tangled.org/spindle/workflow"
)

// topoSort orders instances with Kahn's algorithm. Among instances that
// are ready at the same time, declaration order wins: earlier jobs
// first, then matrix order within a job.
func topoSort(jobs []*Job) ([]*Instance, error) {
	var all []*Instance
	for _, j := range jobs {
		all = append(all, j.Instances...)
	}

	pos := make(map[*Instance]int, len(all))
	for i, inst := range all {
		pos[inst] = i
	}

	indegree := make([]int, len(all))
	dependents := make([][]int, len(all))
	for i, inst := range all {
		indegree[i] = len(inst.Deps)
		for _, dep := range inst.Deps {
			dependents[pos[dep]] = append(dependents[pos[dep]], i)
		}
	}

	// ready is kept sorted by declaration position
	var ready []int
	for i := range all {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]*Instance, 0, len(all))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, all[next])

		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = insertSorted(ready, d)
			}
		}
	}

	if len(order) != len(all) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, all[i].ID)
			}
		}
		return nil, fmt.Errorf("%w: %s", workflow.ErrDependencyCycle, strings.Join(stuck, ", "))
	}

	return order, nil
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
