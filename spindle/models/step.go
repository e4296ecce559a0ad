package models

type Step interface {
	Name() string
	Command() string
	Kind() StepKind
}

type StepKind int

const (
	// steps injected by the CI runner
	StepKindSystem StepKind = iota
	// steps defined by the user in the workflow
	StepKindUser
)

func (k StepKind) String() string {
	if k == StepKindSystem {
		return "system"
	}
	return "user"
}
