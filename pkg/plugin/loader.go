package plugin

import (
	"errors"
	goplugin "plugin"

	xerrors "appbase/internal/errors"
)

// Loader resolves plugin binaries into factories.
type Loader interface {
	Load(path string) (Factory, error)
}

// GoPluginLoader uses the Go standard library plugin mechanism to dynamically load modules.
type GoPluginLoader struct{}

// Load opens the shared object and searches for a `Factory` symbol creating Plugin values.
func (GoPluginLoader) Load(path string) (Factory, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLoadFailed, err, "open plugin object", xerrors.WithMetadata("path", path))
	}
	symbol, err := so.Lookup("Factory")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLoadFailed, err, "lookup Factory symbol", xerrors.WithMetadata("path", path))
	}
	f, err := factoryFromSymbol(symbol)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLoadFailed, err, "resolve Factory symbol", xerrors.WithMetadata("path", path))
	}
	return f, nil
}

func factoryFromSymbol(symbol any) (Factory, error) {
	switch f := symbol.(type) {
	case Factory:
		return f, nil
	case func() Plugin:
		return f, nil
	case *Factory:
		if f == nil || *f == nil {
			return nil, errors.New("factory symbol is nil")
		}
		return *f, nil
	case *func() Plugin:
		if f == nil || *f == nil {
			return nil, errors.New("factory symbol is nil")
		}
		return *f, nil
	default:
		return nil, errors.New("factory symbol must be a func() plugin.Plugin")
	}
}
