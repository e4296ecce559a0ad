package engine

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts one or more maps into a docker-friendly
// []string{"KEY=value", ...} slice. Later maps override earlier ones;
// keys are sorted so the result is stable.
func ConstructEnvs(envs ...map[string]string) EnvVars {
	merged := make(map[string]string)
	for _, env := range envs {
		maps.Copy(merged, env)
	}

	var dockerEnvs EnvVars
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		dockerEnvs.AddEnv(k, merged[k])
	}
	return dockerEnvs
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
