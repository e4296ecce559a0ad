package models

import (
	"fmt"
	"regexp"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// RunId identifies one execution of a workflow.
type RunId string

func (r RunId) String() string {
	return string(r)
}

// InstanceId identifies one job instance of a run, e.g.
// acceptance(instance=0).
type InstanceId struct {
	Run  RunId
	Name string
}

// String is safe to use as a file or container name.
func (iid InstanceId) String() string {
	return fmt.Sprintf("%s-%s", normalize(string(iid.Run)), normalize(iid.Name))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}
