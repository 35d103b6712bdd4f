// Package workflow holds the document status state machine and its guards.
package workflow

import (
	"errors"
	"fmt"

	"github.com/sufyansidqy/dms/internal/rbac"
)

type Status string

const (
	StatusDraft    Status = "Draft"
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
	StatusReleased Status = "Released"
)

type Trigger string

const (
	TriggerSubmit  Trigger = "submit"
	TriggerApprove Trigger = "approve"
	TriggerReject  Trigger = "reject"
	TriggerRelease Trigger = "release"
)

// Decision is the approval ledger entry a transition appends, if any.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionApproved Decision = "Approved"
	DecisionRejected Decision = "Rejected"
)

type ReleaseGuard string

const (
	ReleaseByParticipant ReleaseGuard = "participant"
	ReleaseByReviewer    ReleaseGuard = "reviewer"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("not allowed to perform transition")
	ErrNewVersionNeeded  = errors.New("a new version is required before resubmitting")
)

type Policy struct {
	ReleaseGuard                 ReleaseGuard
	RequireNewVersionAfterReject bool
}

func DefaultPolicy() Policy {
	return Policy{ReleaseGuard: ReleaseByParticipant}
}

func ParseReleaseGuard(value string) (ReleaseGuard, error) {
	switch ReleaseGuard(value) {
	case ReleaseByParticipant, ReleaseByReviewer:
		return ReleaseGuard(value), nil
	case "":
		return ReleaseByParticipant, nil
	default:
		return "", fmt.Errorf("unknown release guard %q", value)
	}
}

// Request describes one attempted transition. CurrentVersionRejected reports
// whether the document's current version already carries a rejection.
type Request struct {
	From                   Status
	Trigger                Trigger
	Access                 rbac.Access
	CurrentVersionRejected bool
}

type Outcome struct {
	From     Status
	To       Status
	Decision Decision
}

type TransitionError struct {
	Kind    error
	From    Status
	Trigger Trigger
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s from %s", e.Kind, e.Trigger, e.From)
}

func (e *TransitionError) Unwrap() error {
	return e.Kind
}

type rule struct {
	to       Status
	decision Decision
	guard    func(Request, Policy) error
}

var transitions = map[Status]map[Trigger]rule{
	StatusDraft: {
		TriggerSubmit: {to: StatusPending, guard: requireView},
	},
	StatusPending: {
		TriggerApprove: {to: StatusApproved, decision: DecisionApproved, guard: requireReview},
		TriggerReject:  {to: StatusRejected, decision: DecisionRejected, guard: requireReview},
	},
	StatusApproved: {
		TriggerRelease: {to: StatusReleased, guard: releaseGuard},
	},
	StatusRejected: {
		TriggerSubmit: {to: StatusPending, guard: resubmitGuard},
	},
	StatusReleased: {},
}

// Evaluate checks the transition table first and the guard second, so an
// undefined trigger is reported as ErrInvalidTransition for every actor.
func (p Policy) Evaluate(req Request) (Outcome, error) {
	rules, ok := transitions[req.From]
	if !ok {
		return Outcome{}, &TransitionError{Kind: ErrInvalidTransition, From: req.From, Trigger: req.Trigger}
	}
	r, ok := rules[req.Trigger]
	if !ok {
		return Outcome{}, &TransitionError{Kind: ErrInvalidTransition, From: req.From, Trigger: req.Trigger}
	}
	if err := r.guard(req, p); err != nil {
		return Outcome{}, &TransitionError{Kind: err, From: req.From, Trigger: req.Trigger}
	}
	return Outcome{From: req.From, To: r.to, Decision: r.decision}, nil
}

// Triggers lists the triggers defined for a status, in a stable order.
func Triggers(from Status) []Trigger {
	order := []Trigger{TriggerSubmit, TriggerApprove, TriggerReject, TriggerRelease}
	out := make([]Trigger, 0, len(order))
	for _, trigger := range order {
		if _, ok := transitions[from][trigger]; ok {
			out = append(out, trigger)
		}
	}
	return out
}

func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusReleased:
		return Status(value), nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

func requireView(req Request, _ Policy) error {
	if !req.Access.CanView() {
		return ErrUnauthorized
	}
	return nil
}

func requireReview(req Request, _ Policy) error {
	if !req.Access.CanReview() {
		return ErrUnauthorized
	}
	return nil
}

func releaseGuard(req Request, p Policy) error {
	switch p.ReleaseGuard {
	case ReleaseByReviewer:
		return requireReview(req, p)
	case ReleaseByParticipant, "":
		return requireView(req, p)
	default:
		return ErrUnauthorized
	}
}

func resubmitGuard(req Request, p Policy) error {
	if !req.Access.CanAuthor() {
		return ErrUnauthorized
	}
	if p.RequireNewVersionAfterReject && req.CurrentVersionRejected {
		return ErrNewVersionNeeded
	}
	return nil
}
