package workflow

import (
	"fmt"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

type Status string
type Action string
type Mode int

const (
	StatusPending            Status = "pending"
	StatusWaitingForApproval Status = "waiting for approval"
	StatusResolved           Status = "resolved"
	StatusApproved           Status = "approved"
	StatusDeferred           Status = "deferred"
	StatusOTC                Status = "otc"
	StatusWaived             Status = "waived"
	StatusReverted           Status = "reverted"
)

const (
	ActionApprove      Action = "approve"
	ActionDeferral     Action = "deferral"
	ActionOTC          Action = "otc"
	ActionWaiver       Action = "waiver"
	ActionRevert       Action = "revert"
	ActionAssignBranch Action = "assign-branch"
	ActionEscalate     Action = "escalate"
	ActionRespond      Action = "respond"
	ActionConfirm      Action = "confirm"
	ActionReject       Action = "reject"
)

const (
	ModeImmediate Mode = iota
	ModeGated
)

func (m Mode) String() string {
	if m == ModeGated {
		return "gated"
	}
	return "immediate"
}

var (
	ErrUnknownAction       = errors.New("unknown action")
	ErrNotAwaitingApproval = errors.New("sub-query is not waiting for approval")
	ErrAlreadyPending      = errors.New("sub-query is already pending")
)

// terminal maps each resolving action to the status it ends in.
var terminal = map[Action]Status{
	ActionApprove:  StatusApproved,
	ActionDeferral: StatusDeferred,
	ActionOTC:      StatusOTC,
	ActionWaiver:   StatusWaived,
	ActionRespond:  StatusResolved,
}

// Only these actions may ever require a second confirming call.
var gateable = set.NewStrings(string(ActionApprove), string(ActionDeferral), string(ActionOTC))

var known = set.NewStrings(
	string(ActionApprove), string(ActionDeferral), string(ActionOTC), string(ActionWaiver),
	string(ActionRevert), string(ActionAssignBranch), string(ActionEscalate), string(ActionRespond),
	string(ActionConfirm), string(ActionReject),
)

// Policy decides, per action and acting team, whether a transition applies
// immediately or is parked as a proposal awaiting confirmation.
type Policy struct {
	gated      set.Strings
	gatedTeams set.Strings
}

func DefaultPolicy() *Policy {
	policy, _ := NewPolicy([]string{string(ActionApprove), string(ActionDeferral), string(ActionOTC)})
	return policy
}

// NewPolicy builds a policy gating the named actions for the operations, sales
// and credit teams. Naming an action that can never be gated is an error.
func NewPolicy(gatedActions []string) (*Policy, error) {
	gated := set.NewStrings()
	for _, name := range gatedActions {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !known.Contains(name) {
			return nil, errors.NotValidf("gated action %q", name)
		}
		if !gateable.Contains(name) {
			return nil, errors.NotSupportedf("gating %q", name)
		}
		gated.Add(name)
	}
	return &Policy{
		gated:      gated,
		gatedTeams: set.NewStrings("operations", "sales", "credit"),
	}, nil
}

func (p *Policy) GatedActions() []string {
	return p.gated.SortedValues()
}

func (p *Policy) Mode(action Action, team string) Mode {
	if p.gated.Contains(string(action)) && p.gatedTeams.Contains(strings.ToLower(team)) {
		return ModeGated
	}
	return ModeImmediate
}

func ParseAction(value string) (Action, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if !known.Contains(value) {
		return "", errors.Annotatef(ErrUnknownAction, "%q", value)
	}
	return Action(value), nil
}

// TerminalStatus is the status action ends in when applied immediately.
func TerminalStatus(action Action) (Status, bool) {
	status, ok := terminal[action]
	return status, ok
}

// Outcome describes how one Sub-Query changes when an action is applied.
type Outcome struct {
	Action Action
	Mode   Mode
	Status Status
	// StatusUnchanged is set for actions that only annotate the Sub-Query.
	StatusUnchanged bool
	// ProposedAction is stamped with proposer fields when non-empty.
	ProposedAction  Action
	ClearProposal   bool
	Resolve         bool
	Approve         bool
	ClearResolution bool
	AssignBranch    bool
	Escalate        bool
}

// Decide resolves the outcome of action taken by team against a Sub-Query that
// currently has status and proposal proposed.
func (p *Policy) Decide(action Action, team string, status Status, proposed Action) (Outcome, error) {
	out := Outcome{Action: action, Mode: ModeImmediate}
	switch action {
	case ActionApprove, ActionDeferral, ActionOTC, ActionWaiver, ActionRespond:
		target, _ := TerminalStatus(action)
		if p.Mode(action, team) == ModeGated {
			out.Mode = ModeGated
			out.Status = StatusWaitingForApproval
			out.ProposedAction = action
			return out, nil
		}
		out.Status = target
		out.Resolve = true
		out.ClearProposal = true
		return out, nil
	case ActionConfirm:
		if status != StatusWaitingForApproval {
			return Outcome{}, errors.Trace(ErrNotAwaitingApproval)
		}
		target, ok := TerminalStatus(proposed)
		if !ok {
			return Outcome{}, errors.Annotatef(ErrNotAwaitingApproval, "no proposal recorded")
		}
		out.Status = target
		out.Resolve = true
		out.Approve = true
		out.ClearProposal = true
		return out, nil
	case ActionReject:
		if status != StatusWaitingForApproval {
			return Outcome{}, errors.Trace(ErrNotAwaitingApproval)
		}
		out.Status = StatusPending
		out.ClearProposal = true
		return out, nil
	case ActionRevert:
		if status == StatusPending || status == "" {
			return Outcome{}, errors.Trace(ErrAlreadyPending)
		}
		out.Status = StatusPending
		out.ClearProposal = true
		out.ClearResolution = true
		return out, nil
	case ActionAssignBranch:
		out.Status = status
		out.StatusUnchanged = true
		out.AssignBranch = true
		return out, nil
	case ActionEscalate:
		out.Status = status
		out.StatusUnchanged = true
		out.Escalate = true
		return out, nil
	}
	return Outcome{}, errors.Annotatef(ErrUnknownAction, "%q", string(action))
}

// Describe renders the system remark text for an applied outcome.
func Describe(out Outcome, actor, team string) string {
	who := actor
	if team != "" {
		who = fmt.Sprintf("%s (%s)", actor, team)
	}
	switch {
	case out.Mode == ModeGated:
		return fmt.Sprintf("%s requested %s; waiting for approval", who, out.ProposedAction)
	case out.Action == ActionConfirm:
		return fmt.Sprintf("%s confirmed the request; status %s", who, out.Status)
	case out.Action == ActionReject:
		return fmt.Sprintf("%s rejected the request; status pending", who)
	case out.Action == ActionRevert:
		return fmt.Sprintf("%s reverted the sub-query to pending", who)
	case out.AssignBranch:
		return fmt.Sprintf("%s assigned the sub-query to a branch", who)
	case out.Escalate:
		return fmt.Sprintf("%s escalated the sub-query", who)
	default:
		return fmt.Sprintf("%s applied %s; status %s", who, out.Action, out.Status)
	}
}
