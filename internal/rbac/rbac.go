package rbac

import "fmt"

type SystemRole string

const (
	SystemAdmin SystemRole = "Admin"
	SystemUser  SystemRole = "User"
)

// ProjectRole is a membership role scoped to one project. The zero value means "not a member".
type ProjectRole string

const (
	ProjectNone     ProjectRole = ""
	ProjectViewer   ProjectRole = "Viewer"
	ProjectCreator  ProjectRole = "Creator"
	ProjectReviewer ProjectRole = "Reviewer"
)

func ParseSystemRole(value string) (SystemRole, error) {
	switch SystemRole(value) {
	case SystemAdmin, SystemUser:
		return SystemRole(value), nil
	default:
		return "", fmt.Errorf("unknown system role %q", value)
	}
}

func ParseProjectRole(value string) (ProjectRole, error) {
	switch ProjectRole(value) {
	case ProjectViewer, ProjectCreator, ProjectReviewer:
		return ProjectRole(value), nil
	default:
		return ProjectNone, fmt.Errorf("unknown project role %q", value)
	}
}

// Actor is an authenticated caller. An Actor with an empty UserID is anonymous.
type Actor struct {
	UserID string
	Name   string
	Role   SystemRole
}

func (a Actor) Authenticated() bool {
	return a.UserID != ""
}

func (a Actor) IsAdmin() bool {
	return a.Authenticated() && a.Role == SystemAdmin
}

// Access is what an actor may do inside one project.
type Access struct {
	Actor   Actor
	Project ProjectRole
}

func (a Access) CanView() bool {
	if !a.Actor.Authenticated() {
		return false
	}
	if a.Actor.IsAdmin() {
		return true
	}
	switch a.Project {
	case ProjectViewer, ProjectCreator, ProjectReviewer:
		return true
	case ProjectNone:
		return false
	default:
		return false
	}
}

func (a Access) CanAuthor() bool {
	if !a.Actor.Authenticated() {
		return false
	}
	if a.Actor.IsAdmin() {
		return true
	}
	switch a.Project {
	case ProjectCreator:
		return true
	case ProjectViewer, ProjectReviewer, ProjectNone:
		return false
	default:
		return false
	}
}

func (a Access) CanReview() bool {
	if !a.Actor.Authenticated() {
		return false
	}
	if a.Actor.IsAdmin() {
		return true
	}
	switch a.Project {
	case ProjectReviewer:
		return true
	case ProjectViewer, ProjectCreator, ProjectNone:
		return false
	default:
		return false
	}
}
