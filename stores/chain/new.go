package chain

import (
	"context"
	"net/url"

	"github.com/chanhsu001/ckb/errors"
	"github.com/chanhsu001/ckb/ulogger"
)

// storeFactory builders are registered by the concrete store packages so the
// daemon can resolve a store from a URL without importing every engine.
type storeFactory func(ctx context.Context, logger ulogger.Logger, storeURL *url.URL) (Store, error)

var factories = map[string]storeFactory{}

func Register(scheme string, factory storeFactory) {
	factories[scheme] = factory
}

// NewStore resolves a Store from a URL: memory:///, sqlite:///path,
// sqlitememory:///, postgres://...
func NewStore(ctx context.Context, logger ulogger.Logger, storeURL *url.URL) (Store, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("chain store URL not set")
	}

	factory, ok := factories[storeURL.Scheme]
	if !ok {
		return nil, errors.NewConfigurationError("unknown chain store engine %q", storeURL.Scheme)
	}

	return factory(ctx, logger, storeURL)
}
