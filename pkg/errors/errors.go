package errors

import (
	"strings"

	"github.com/pingcap/errors"
)

// errors
var (
	// topology related errors
	ErrUnknownTopologyNode = errors.Normalize("topology node %d is not registered", errors.RFCCodeText("PLACE:ErrUnknownTopologyNode"))
	ErrTopologyNodeExists  = errors.Normalize("topology node %d already exists", errors.RFCCodeText("PLACE:ErrTopologyNodeExists"))
	ErrUnknownTopologyLink = errors.Normalize("topology link %d->%d does not exist", errors.RFCCodeText("PLACE:ErrUnknownTopologyLink"))
	ErrTopologyLinkExists  = errors.Normalize("topology link %d->%d already exists", errors.RFCCodeText("PLACE:ErrTopologyLinkExists"))
	ErrNoPathExists        = errors.Normalize("no path exists between topology node %d and %d", errors.RFCCodeText("PLACE:ErrNoPathExists"))
	ErrInsufficientCapacity = errors.Normalize("topology node %d has %d remaining slots, %d requested",
		errors.RFCCodeText("PLACE:ErrInsufficientCapacity"))
	ErrCapacityOverflow = errors.Normalize("topology node %d would exceed its capacity %d",
		errors.RFCCodeText("PLACE:ErrCapacityOverflow"))

	// operator graph related errors
	ErrUnknownOperator      = errors.Normalize("operator %d not found", errors.RFCCodeText("PLACE:ErrUnknownOperator"))
	ErrInvalidOperatorGraph = errors.Normalize("invalid operator graph: %s", errors.RFCCodeText("PLACE:ErrInvalidOperatorGraph"))
	ErrUnknownSharedQuery   = errors.Normalize("shared query plan %d not found", errors.RFCCodeText("PLACE:ErrUnknownSharedQuery"))
	ErrUnknownQuery         = errors.Normalize("query %d not found", errors.RFCCodeText("PLACE:ErrUnknownQuery"))
	ErrQueryExists          = errors.Normalize("query %d already exists", errors.RFCCodeText("PLACE:ErrQueryExists"))

	// catalog related errors
	ErrSourceNotFound = errors.Normalize("logical source %s has no physical source", errors.RFCCodeText("PLACE:ErrSourceNotFound"))

	// placement related errors
	ErrPlacementInfeasible = errors.Normalize("placement of operator %d is infeasible: %s",
		errors.RFCCodeText("PLACE:ErrPlacementInfeasible"))
	ErrUnknownStrategy   = errors.Normalize("unknown placement strategy %s", errors.RFCCodeText("PLACE:ErrUnknownStrategy"))
	ErrPlacementPanicked = errors.Normalize("placement amendment panicked: %v", errors.RFCCodeText("PLACE:ErrPlacementPanicked"))

	// execution plan related errors
	ErrExecutionNodeExists = errors.Normalize("execution node %d already hosts shared query plan %d",
		errors.RFCCodeText("PLACE:ErrExecutionNodeExists"))
	ErrOperatorNotResident = errors.Normalize("operator %d is not resident on execution node %d",
		errors.RFCCodeText("PLACE:ErrOperatorNotResident"))
	ErrUnknownDecomposedPlan = errors.Normalize("decomposed plan %d not found on node %d",
		errors.RFCCodeText("PLACE:ErrUnknownDecomposedPlan"))

	// storage access related errors
	ErrVersionConflict     = errors.Normalize("version of %s advanced from %d to %d", errors.RFCCodeText("PLACE:ErrVersionConflict"))
	ErrOCCRetryExhausted   = errors.Normalize("optimistic commit failed after %d attempts", errors.RFCCodeText("PLACE:ErrOCCRetryExhausted"))
	ErrResourceNotAcquired = errors.Normalize("resource %s was not acquired by this amendment", errors.RFCCodeText("PLACE:ErrResourceNotAcquired"))
	ErrResourceLockTimeout = errors.Normalize("timed out acquiring lock on %s", errors.RFCCodeText("PLACE:ErrResourceLockTimeout"))
	ErrInvalidLockOrder    = errors.Normalize("invalid lock order: %s", errors.RFCCodeText("PLACE:ErrInvalidLockOrder"))

	// amendment handler related errors
	ErrAmendmentHandlerClosed     = errors.Normalize("amendment handler is closed", errors.RFCCodeText("PLACE:ErrAmendmentHandlerClosed"))
	ErrAmendmentHandlerNotStarted = errors.Normalize("amendment handler is not started", errors.RFCCodeText("PLACE:ErrAmendmentHandlerNotStarted"))
	ErrAmendmentFailed            = errors.Normalize("amendment of shared query plan %d failed", errors.RFCCodeText("PLACE:ErrAmendmentFailed"))

	// config related errors
	ErrInvalidConfig = errors.Normalize("invalid config: %s", errors.RFCCodeText("PLACE:ErrInvalidConfig"))

	// meta store related errors
	ErrMetaStoreFailed      = errors.Normalize("meta store operation failed", errors.RFCCodeText("PLACE:ErrMetaStoreFailed"))
	ErrDatasetEntryNotFound = errors.Normalize("dataset entry not found, key: %s", errors.RFCCodeText("PLACE:ErrDatasetEntryNotFound"))
)

// Wrap wraps err with the normalized error e, keeping err as the cause.
func Wrap(e *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return e.Wrap(err).GenWithStackByArgs(args...)
}

// Is reports whether err, or its cause, matches the normalized error e.
// Errors created by Wrap resolve their cause to the wrapped error, so the
// outer normalized error is matched by its code as well.
func Is(err error, e *errors.Error) bool {
	if err == nil {
		return false
	}
	if e.Equal(err) {
		return true
	}
	return strings.HasPrefix(err.Error(), "["+string(e.RFCCode())+"]")
}

// IsVersionConflict reports whether err was caused by a concurrent commit
// and the amendment may be retried against a fresh snapshot.
func IsVersionConflict(err error) bool {
	return Is(err, ErrVersionConflict)
}

// IsNoPathExists reports whether err was caused by a disconnected topology.
func IsNoPathExists(err error) bool {
	return Is(err, ErrNoPathExists)
}

// IsPlacementFailure reports whether err describes a real infeasibility
// rather than a race with another amendment.
func IsPlacementFailure(err error) bool {
	return Is(err, ErrPlacementInfeasible) || Is(err, ErrInsufficientCapacity) || Is(err, ErrNoPathExists)
}
