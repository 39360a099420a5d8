// Package connectors defines the executor interface the scheduler drives.
// Executors hold every platform-specific detail; the scheduler treats them
// as slow, fallible black boxes.
package connectors

import (
	"context"

	"github.com/fentz26/cadence/internal/models"
)

// ActionRequest is one action to perform, dispatched by Class.
type ActionRequest struct {
	Class    models.ActionClass      `json:"class"`
	Handle   models.SessionHandle    `json:"handle"`
	Entity   models.EntityDescriptor `json:"entity"`
	Template string                  `json:"template,omitempty"`
}

// ActionResult is what an executor reports back for one action.
// Success=false is an action failure, not an error.
type ActionResult struct {
	Success bool          `json:"success"`
	Detail  string        `json:"detail,omitempty"`
	Signal  models.Signal `json:"signal,omitempty"`
}

// Executor defines the interface for platform drivers.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Discover returns the entities matching criteria.
	Discover(ctx context.Context, criteria models.TargetCriteria) ([]models.EntityDescriptor, error)

	// Perform runs one action. It blocks until the action resolves or the
	// executor's own timeout expires.
	Perform(ctx context.Context, req ActionRequest) (*ActionResult, error)
}
