package layers

import (
	nerrors "github.com/tsawler/go-netgraph/errors"
)

// Freeze returns a copy of the spec with the named layers marked not
// trainable. With no names every parameterised layer is frozen.
func Freeze(ms *ModelSpec, names ...string) (*ModelSpec, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := ms.Layer(n); !ok {
			return nil, nerrors.New(nerrors.ErrCodeNotFound, "layer %q not found", n)
		}
		want[n] = true
	}
	descs := ms.Descriptors()
	for i := range descs {
		if len(names) == 0 || want[descs[i].Name] {
			descs[i].Trainable = false
		}
	}
	if !ms.Functional {
		return Build(descs, nil)
	}
	return Build(descs, ms.Edges())
}

// Extend builds a new sequential model from base with its last dropLast
// layers removed and head appended. Only sequential bases are supported
// since a graph has no unique "last" layers.
func Extend(base *ModelSpec, dropLast int, head ...LayerSpec) (*ModelSpec, error) {
	if base.Functional {
		return nil, nerrors.New(nerrors.ErrCodeUnsupported, "extend supports sequential models only")
	}
	if dropLast < 0 || dropLast >= len(base.Layers) {
		return nil, nerrors.New(nerrors.ErrCodeInvalidConfiguration,
			"cannot drop %d of %d layers", dropLast, len(base.Layers))
	}
	descs := base.Descriptors()[:len(base.Layers)-dropLast]
	descs = append(descs, head...)
	return Build(descs, nil)
}
