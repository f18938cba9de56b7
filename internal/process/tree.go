package process

import (
	ps "github.com/shirou/gopsutil/v4/process"
)

const maxTreeDepth = 16

// descendants lists every live descendant of pid, children first.
func descendants(pid int) []*ps.Process {
	root, err := ps.NewProcess(int32(pid)) // #nosec G115
	if err != nil {
		return nil
	}
	var out []*ps.Process
	var walk func(p *ps.Process, depth int)
	walk = func(p *ps.Process, depth int) {
		if depth >= maxTreeDepth {
			return
		}
		kids, err := p.Children()
		if err != nil {
			return
		}
		for _, k := range kids {
			out = append(out, k)
			walk(k, depth+1)
		}
	}
	walk(root, 0)
	return out
}
