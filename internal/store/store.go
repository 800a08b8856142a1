// Package store persists findings and intended actions and combines them with
// the definitions source into the full persistence collaborator.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sgerhart/netsentry/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when an update would leave a terminal status
	ErrInvalidTransition = errors.New("invalid action status transition")
)

// Records persists findings and intended actions
type Records interface {
	SaveFinding(ctx context.Context, f model.AgentFinding) error
	SaveIntendedAction(ctx context.Context, a model.IntendedAction) error
	UpdateIntendedAction(ctx context.Context, actionID string, status model.ActionStatus, result string) error
	GetFinding(ctx context.Context, findingID string) (*model.AgentFinding, error)
	ListActions(ctx context.Context, findingID string) ([]model.IntendedAction, error)
	Close() error
}

// Definitions supplies agent definitions and device credentials
type Definitions interface {
	GetAgentDefinitions(ctx context.Context) ([]model.AgentDefinition, error)
	GetDeviceCredentials(ctx context.Context, deviceID string) (*model.SSHCredential, error)
}

// Persistence is every operation the pipeline needs from storage
type Persistence interface {
	Records
	Definitions
}

type persistence struct {
	Records
	Definitions
}

// Combine joins a record store and a definitions source
func Combine(r Records, d Definitions) Persistence {
	return persistence{Records: r, Definitions: d}
}

// checkTransition validates an update from one status to another
func checkTransition(actionID string, from, to model.ActionStatus) error {
	if from.Terminal() && from != to {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, actionID, from, to)
	}
	return nil
}
