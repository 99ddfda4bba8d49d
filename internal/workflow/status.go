package workflow

import (
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

var resolvedStatuses = set.NewStrings(
	string(StatusResolved), string(StatusApproved), string(StatusDeferred), string(StatusOTC), string(StatusWaived),
)

var legacyStatuses = map[string]Status{
	"request-approved": StatusApproved,
	"request-deferral": StatusDeferred,
	"request-otc":      StatusOTC,
	"completed":        StatusResolved,
}

// ResolvedStatuses lists the terminal statuses, sorted.
func ResolvedStatuses() []string {
	return resolvedStatuses.SortedValues()
}

// IsResolved reports whether status belongs in resolved views. Sub-queries
// waiting for approval only count when includePending is set.
func IsResolved(status Status, includePending bool) bool {
	if includePending && status == StatusWaitingForApproval {
		return true
	}
	return resolvedStatuses.Contains(string(status))
}

// DeriveStatus computes the aggregate status of a Query Record from its
// Sub-Queries: pending wins over waiting, waiting over resolved.
func DeriveStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusPending
	}
	waiting := false
	for _, status := range statuses {
		switch {
		case status == StatusPending || status == StatusReverted || status == "":
			return StatusPending
		case status == StatusWaitingForApproval:
			waiting = true
		}
	}
	if waiting {
		return StatusWaitingForApproval
	}
	return StatusResolved
}

// NormalizeStatus maps legacy status names onto the current vocabulary.
func NormalizeStatus(value string) (Status, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	if status, ok := legacyStatuses[value]; ok {
		return status, true
	}
	return Status(value), false
}

const (
	TeamSales  = "sales"
	TeamCredit = "credit"
	TeamBoth   = "both"
)

// VisibleTo expands a markedForTeam value into the set of teams allowed to
// see the record.
func VisibleTo(markedForTeam string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(markedForTeam)) {
	case TeamSales:
		return []string{TeamSales}, nil
	case TeamCredit:
		return []string{TeamCredit}, nil
	case TeamBoth:
		return set.NewStrings(TeamSales, TeamCredit).SortedValues(), nil
	}
	return nil, errors.NotValidf("markedForTeam %q", markedForTeam)
}

// LegacyFlags are the visibility fields documents carried before visibleTo.
// MarkedForTeam, Team and SendTo hold team names (sales, credit or both);
// the booleans grant one team each.
type LegacyFlags struct {
	MarkedForTeam string
	Team          string
	SendTo        []string
	SendToSales   bool
	SendToCredit  bool
}

// LegacyVisibleTo rebuilds visibleTo as the union of every historical flag.
func LegacyVisibleTo(flags LegacyFlags) []string {
	teams := set.NewStrings()
	for _, name := range append([]string{flags.MarkedForTeam, flags.Team}, flags.SendTo...) {
		if visible, err := VisibleTo(name); err == nil {
			teams = teams.Union(set.NewStrings(visible...))
		}
	}
	if flags.SendToSales {
		teams.Add(TeamSales)
	}
	if flags.SendToCredit {
		teams.Add(TeamCredit)
	}
	return teams.SortedValues()
}

// SeesAllTeams reports whether role bypasses the visibleTo filter.
func SeesAllTeams(role string) bool {
	switch strings.ToLower(role) {
	case "admin", "operations":
		return true
	}
	return false
}

func CanSee(role string, visibleTo []string) bool {
	if SeesAllTeams(role) {
		return true
	}
	return set.NewStrings(visibleTo...).Contains(strings.ToLower(role))
}

// MultipleBranches grants access to every branch.
const MultipleBranches = "multiple"

type BranchScope struct {
	all      bool
	branches set.Strings
}

// NewBranchScope builds the scope for a user's assigned branches. No
// assignments means no access.
func NewBranchScope(assigned []string) BranchScope {
	scope := BranchScope{branches: set.NewStrings()}
	for _, branch := range assigned {
		branch = strings.ToLower(strings.TrimSpace(branch))
		if branch == "" {
			continue
		}
		if branch == MultipleBranches {
			scope.all = true
		}
		scope.branches.Add(branch)
	}
	return scope
}

func AllBranches() BranchScope {
	return BranchScope{all: true, branches: set.NewStrings()}
}

func (s BranchScope) All() bool { return s.all }

func (s BranchScope) Empty() bool { return !s.all && s.branches.IsEmpty() }

func (s BranchScope) Branches() []string { return s.branches.SortedValues() }

// Matches reports whether any of the record's branch fields falls inside the scope.
func (s BranchScope) Matches(fields ...string) bool {
	if s.all {
		return true
	}
	for _, field := range fields {
		if field = strings.ToLower(strings.TrimSpace(field)); field != "" && s.branches.Contains(field) {
			return true
		}
	}
	return false
}
