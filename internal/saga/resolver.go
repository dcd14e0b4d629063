package saga

import "fmt"

// ResolveOrder returns the saga's steps in an order where every step appears
// after all steps it depends on. Steps with no dependency relationship keep
// an order consistent with first discovery, so the result is deterministic
// for a fixed input order. A back-edge in the graph yields a
// CircularDependencyError and nothing executes.
func ResolveOrder(steps []SagaStep) ([]SagaStep, error) {
	byID := make(map[string]SagaStep, len(steps))
	for _, step := range steps {
		if _, ok := byID[step.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
		}
		byID[step.ID] = step
	}

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int, len(steps))
	order := make([]SagaStep, 0, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case done:
			return nil
		case visiting:
			return &CircularDependencyError{StepID: id}
		}
		marks[id] = visiting

		step := byID[id]
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &UnknownDependencyError{StepID: id, DependsOn: dep}
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		marks[id] = done
		order = append(order, step)
		return nil
	}

	for _, step := range steps {
		if err := visit(step.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// resolveSubset orders a subset of an already-validated saga for
// dependency-aware compensation. Dependencies pointing outside the subset
// are ignored rather than rejected.
func resolveSubset(steps []SagaStep) []SagaStep {
	byID := make(map[string]SagaStep, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int, len(steps))
	order := make([]SagaStep, 0, len(steps))

	var visit func(id string)
	visit = func(id string) {
		if marks[id] != 0 {
			return
		}
		marks[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; ok {
				visit(dep)
			}
		}
		marks[id] = done
		order = append(order, byID[id])
	}

	for _, step := range steps {
		visit(step.ID)
	}
	return order
}
