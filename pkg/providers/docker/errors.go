package docker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/client"

	"github.com/openfroyo/shipyard/pkg/iac"
)

// ErrOwnedElsewhere is returned when an object with the expected name
// belongs to another application.
var ErrOwnedElsewhere = errors.New("object is owned by another application")

func isNotFound(err error) bool {
	return err != nil && client.IsErrNotFound(err)
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var c interface{ Conflict() }
	if errors.As(err, &c) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict") ||
		strings.Contains(msg, "has active endpoints") ||
		strings.Contains(msg, "in use")
}

func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var u interface{ Unavailable() }
	if errors.As(err, &u) {
		return true
	}
	return client.IsErrConnectionFailed(err)
}

// classify converts a daemon error into an engine error so that the
// scheduler retries what can succeed later.
func classify(op, kind, name string, err error) error {
	msg := fmt.Sprintf("%s %s %s", op, kind, name)
	switch {
	case isUnavailable(err):
		return iac.NewTransientError(msg, err).WithResource(name).WithOperation(op)
	case isConflict(err):
		return iac.NewConflictError(msg, err).WithCode(iac.ErrCodeConflict).WithResource(name).WithOperation(op)
	default:
		return iac.NewPermanentError(msg, err).WithCode(iac.ErrCodeProviderFailed).WithResource(name).WithOperation(op)
	}
}
