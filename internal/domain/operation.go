package domain

import "fmt"

// OperationSpec describes one operation type and the upstream gate it needs
// before a worker may begin it.
type OperationSpec struct {
	Type OperationType
	// Prerequisite returns a description of what is missing, or "" when the
	// work unit is ready.
	Prerequisite func(w *WorkUnit) string
}

// Catalog is the set of operation types the service accepts
type Catalog map[OperationType]OperationSpec

// DefaultCatalog returns the shipped operations: assembly needs materials,
// weld needs a completed assembly.
func DefaultCatalog() Catalog {
	return Catalog{
		OperationAssembly: {
			Type: OperationAssembly,
			Prerequisite: func(w *WorkUnit) string {
				if w.MaterialsReadyAt == nil {
					return "materials are not ready"
				}
				return ""
			},
		},
		OperationWeld: {
			Type: OperationWeld,
			Prerequisite: func(w *WorkUnit) string {
				if w.Slot(OperationAssembly).CompletedAt == nil {
					return "assembly is not completed"
				}
				return ""
			},
		},
	}
}

// Lookup returns the spec for op.
func (c Catalog) Lookup(op OperationType) (OperationSpec, error) {
	spec, ok := c[op]
	if !ok {
		return OperationSpec{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return spec, nil
}

// Types returns every operation the catalog knows about.
func (c Catalog) Types() []OperationType {
	out := make([]OperationType, 0, len(c))
	for op := range c {
		out = append(out, op)
	}
	return out
}

// CheckPrerequisite returns a PrerequisiteError when w is not ready for op.
func (c Catalog) CheckPrerequisite(w *WorkUnit, op OperationType) error {
	spec, err := c.Lookup(op)
	if err != nil {
		return err
	}
	if spec.Prerequisite == nil {
		return nil
	}
	if missing := spec.Prerequisite(w); missing != "" {
		return &PrerequisiteError{WorkUnitID: w.ID, Operation: op, Missing: missing}
	}
	return nil
}
