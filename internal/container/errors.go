package container

import (
	"context"
	"errors"
	"strings"

	"github.com/docker/docker/errdefs"
)

// Driver failure classes. The driver never retries; retries are policy and
// belong to the lifecycle manager.
var (
	ErrNotFound          = errors.New("container not found")
	ErrAlreadyExists     = errors.New("container already exists")
	ErrImageMissing      = errors.New("image missing")
	ErrEngineUnavailable = errors.New("container engine unavailable")
)

// classify maps an engine error onto the driver's failure classes, keeping
// the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		if strings.Contains(strings.ToLower(err.Error()), "no such image") {
			return errors.Join(ErrImageMissing, err)
		}
		return errors.Join(ErrNotFound, err)
	case errdefs.IsConflict(err):
		return errors.Join(ErrAlreadyExists, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrEngineUnavailable, err)
	case strings.Contains(err.Error(), "Cannot connect to the Docker daemon"):
		return errors.Join(ErrEngineUnavailable, err)
	default:
		return err
	}
}
