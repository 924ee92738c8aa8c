package model

import "fmt"

type (
	// OperatorID is globally unique across all shared query plans.
	OperatorID uint64
	// QueryID identifies a user query.
	QueryID uint64
	// SharedQueryID identifies a shared query plan, which hosts one or
	// more merged queries.
	SharedQueryID uint64
	// DecomposedPlanID identifies the part of a shared query plan
	// resident on one topology node.
	DecomposedPlanID uint64
	// PlanVersion is bumped on every committed amendment.
	PlanVersion uint64
)

// QueryState is the run-state of a query, shared query plan or
// decomposed plan as reported to the query catalog.
type QueryState int

const (
	QueryRegistered QueryState = iota + 1
	QueryOptimizing
	QueryMarkedForDeployment
	QueryMarkedForRedeployment
	QueryMarkedForMigration
	QueryMarkedForRemoval
	QueryRunning
	QueryMigrating
	QueryStopped
	QueryFailed
)

var queryStateNames = map[QueryState]string{
	QueryRegistered:            "REGISTERED",
	QueryOptimizing:            "OPTIMIZING",
	QueryMarkedForDeployment:   "MARKED_FOR_DEPLOYMENT",
	QueryMarkedForRedeployment: "MARKED_FOR_REDEPLOYMENT",
	QueryMarkedForMigration:    "MARKED_FOR_MIGRATION",
	QueryMarkedForRemoval:      "MARKED_FOR_REMOVAL",
	QueryRunning:               "RUNNING",
	QueryMigrating:             "MIGRATING",
	QueryStopped:               "STOPPED",
	QueryFailed:                "FAILED",
}

func (s QueryState) String() string {
	if name, ok := queryStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// SharedQueryPlanStatus drives which kind of amendment is performed for
// a shared query plan.
type SharedQueryPlanStatus int

const (
	SharedQueryCreated SharedQueryPlanStatus = iota + 1
	SharedQueryUpdated
	SharedQueryDeployed
	SharedQueryPartiallyProcessed
	SharedQueryProcessed
	SharedQueryMigrating
	SharedQueryStopped
	SharedQueryFailed
)

var sharedQueryStatusNames = map[SharedQueryPlanStatus]string{
	SharedQueryCreated:            "CREATED",
	SharedQueryUpdated:            "UPDATED",
	SharedQueryDeployed:           "DEPLOYED",
	SharedQueryPartiallyProcessed: "PARTIALLY_PROCESSED",
	SharedQueryProcessed:          "PROCESSED",
	SharedQueryMigrating:          "MIGRATING",
	SharedQueryStopped:            "STOPPED",
	SharedQueryFailed:             "FAILED",
}

func (s SharedQueryPlanStatus) String() string {
	if name, ok := sharedQueryStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// RequestType is the kind of amendment derived from the shared query plan status.
type RequestType int

const (
	RequestAddQuery RequestType = iota + 1
	RequestRestartQuery
	RequestStopQuery
	RequestFailQuery
)

func (t RequestType) String() string {
	switch t {
	case RequestAddQuery:
		return "AddQuery"
	case RequestRestartQuery:
		return "RestartQuery"
	case RequestStopQuery:
		return "StopQuery"
	case RequestFailQuery:
		return "FailQuery"
	}
	return fmt.Sprintf("Unknown(%d)", int(t))
}

// PlacementStrategy names a placement algorithm.
type PlacementStrategy string

const (
	PlacementBottomUp PlacementStrategy = "BottomUp"
	PlacementTopDown  PlacementStrategy = "TopDown"
)
