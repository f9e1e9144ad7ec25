package machine

import (
	"context"
	"maps"
	"slices"
)

// Built-in function names.
const (
	FuncProjectData        = "project_data"
	FuncMergePrerequisites = "merge_prerequisites"
)

// RegisterBuiltins adds the functions every deployment ships with.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(FuncProjectData, ProjectFunc(projectData)); err != nil {
		return err
	}
	return r.Register(FuncMergePrerequisites, StepFunc(mergePrerequisites))
}

// projectData outputs a copy of the project data.
func projectData(_ context.Context, data map[string]any) (map[string]any, error) {
	return maps.Clone(data), nil
}

// mergePrerequisites outputs the union of the prerequisite outputs. Keys of
// later steps, in slug order, win.
func mergePrerequisites(_ context.Context, in Input) (map[string]any, error) {
	out := make(map[string]any)
	for _, slug := range slices.Sorted(maps.Keys(in.Prerequisites)) {
		maps.Copy(out, in.Prerequisites[slug])
	}
	return out, nil
}
