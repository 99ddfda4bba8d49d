package app

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/juju/errors"

	"loanops/api/internal/authpw"
	"loanops/api/internal/importer"
	"loanops/api/internal/rbac"
	"loanops/api/internal/store"
	"loanops/api/internal/workflow"
)

type CreateUserInput struct {
	EmployeeID       string   `json:"employeeId" validate:"required,max=64"`
	Name             string   `json:"name" validate:"required,max=200"`
	Email            string   `json:"email" validate:"omitempty,email"`
	Role             string   `json:"role" validate:"required,oneof=admin operations sales credit"`
	Branch           string   `json:"branch"`
	AssignedBranches []string `json:"assignedBranches"`
	Permissions      []string `json:"permissions"`
	Password         string   `json:"password" validate:"required,min=8"`
}

// UpdateUserInput carries a partial update; nil fields are left alone.
type UpdateUserInput struct {
	Name             *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Email            *string  `json:"email" validate:"omitempty,email"`
	Role             *string  `json:"role" validate:"omitempty,oneof=admin operations sales credit"`
	Branch           *string  `json:"branch"`
	AssignedBranches []string `json:"assignedBranches"`
	Permissions      []string `json:"permissions"`
	Active           *bool    `json:"active"`
	Password         *string  `json:"password" validate:"omitempty,min=8"`
}

type BranchInput struct {
	Code   string `json:"code" validate:"required,max=16"`
	Name   string `json:"name" validate:"required,max=200"`
	Region string `json:"region"`
	State  string `json:"state"`
	City   string `json:"city"`
	Active *bool  `json:"active"`
}

type UpdateBranchInput struct {
	Name   *string `json:"name" validate:"omitempty,min=1,max=200"`
	Region *string `json:"region"`
	State  *string `json:"state"`
	City   *string `json:"city"`
	Active *bool   `json:"active"`
}

func (s *Service) ListUsers(ctx context.Context, session Session) ([]store.User, error) {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

func (s *Service) CreateUser(ctx context.Context, session Session, input CreateUserInput) (store.User, error) {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return store.User{}, err
	}
	if err := s.check(input); err != nil {
		return store.User{}, err
	}
	hash, err := authpw.HashPassword(input.Password)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		EmployeeID:       strings.TrimSpace(input.EmployeeID),
		Name:             strings.TrimSpace(input.Name),
		Email:            strings.ToLower(strings.TrimSpace(input.Email)),
		Role:             input.Role,
		Branch:           strings.TrimSpace(input.Branch),
		AssignedBranches: nonNilStrings(input.AssignedBranches),
		Permissions:      nonNilStrings(input.Permissions),
		PasswordHash:     hash,
		Active:           true,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, err
	}
	logger.Infof("user %s created by %s with role %s", user.EmployeeID, session.UserID, user.Role)
	return user, nil
}

func (s *Service) UpdateUser(ctx context.Context, session Session, employeeID string, input UpdateUserInput) (store.User, error) {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return store.User{}, err
	}
	if err := s.check(input); err != nil {
		return store.User{}, err
	}
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == session.UserID && input.Active != nil && !*input.Active {
		return store.User{}, domainError(http.StatusConflict, "SELF_DEACTIVATE", "You cannot deactivate your own account", nil)
	}
	update := store.UserUpdate{
		Name:             input.Name,
		Email:            input.Email,
		Role:             input.Role,
		Branch:           input.Branch,
		AssignedBranches: input.AssignedBranches,
		Permissions:      input.Permissions,
		Active:           input.Active,
	}
	if input.Password != nil {
		hash, err := authpw.HashPassword(*input.Password)
		if err != nil {
			return store.User{}, err
		}
		update.PasswordHash = &hash
	}
	return s.store.UpdateUser(ctx, employeeID, update)
}

func (s *Service) DeleteUser(ctx context.Context, session Session, employeeID string) error {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return err
	}
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == session.UserID {
		return domainError(http.StatusConflict, "SELF_DELETE", "You cannot delete your own account", nil)
	}
	return s.store.DeleteUser(ctx, employeeID)
}

func (s *Service) ListBranches(ctx context.Context, session Session, activeOnly bool) ([]store.Branch, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListBranches(ctx, activeOnly)
}

func (s *Service) CreateBranch(ctx context.Context, session Session, input BranchInput) (store.Branch, error) {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return store.Branch{}, err
	}
	if err := s.check(input); err != nil {
		return store.Branch{}, err
	}
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if _, err := s.store.GetBranch(ctx, code); err == nil {
		return store.Branch{}, errors.AlreadyExistsf("branch %q", code)
	} else if !errors.Is(err, errors.NotFound) {
		return store.Branch{}, err
	}
	branch := store.Branch{
		Code:   code,
		Name:   strings.TrimSpace(input.Name),
		Region: strings.TrimSpace(input.Region),
		State:  strings.TrimSpace(input.State),
		City:   strings.TrimSpace(input.City),
		Active: input.Active == nil || *input.Active,
	}
	if err := s.store.UpsertBranch(ctx, branch); err != nil {
		return store.Branch{}, err
	}
	return branch, nil
}

func (s *Service) UpdateBranch(ctx context.Context, session Session, code string, input UpdateBranchInput) (store.Branch, error) {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return store.Branch{}, err
	}
	if err := s.check(input); err != nil {
		return store.Branch{}, err
	}
	branch, err := s.store.GetBranch(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return store.Branch{}, err
	}
	if input.Name != nil {
		branch.Name = strings.TrimSpace(*input.Name)
	}
	if input.Region != nil {
		branch.Region = strings.TrimSpace(*input.Region)
	}
	if input.State != nil {
		branch.State = strings.TrimSpace(*input.State)
	}
	if input.City != nil {
		branch.City = strings.TrimSpace(*input.City)
	}
	if input.Active != nil {
		branch.Active = *input.Active
	}
	if err := s.store.UpsertBranch(ctx, branch); err != nil {
		return store.Branch{}, err
	}
	return branch, nil
}

// ListApplications returns imported applications, or only the sanctioned
// ones, within the session's branches.
func (s *Service) ListApplications(ctx context.Context, session Session, sanctioned bool) ([]store.Application, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListApplications(ctx, sanctioned, s.scope(session).Branches)
}

func (s *Service) ImportApplications(ctx context.Context, session Session, r io.Reader) (importer.Result, error) {
	if err := s.authorize(session, rbac.ActionUpload); err != nil {
		return importer.Result{}, err
	}
	result, err := importer.Parse(r, session.UserName, s.now().UTC())
	if err != nil {
		return importer.Result{}, err
	}
	written, err := s.store.UpsertApplications(ctx, result.Applications)
	if err != nil {
		return importer.Result{}, err
	}
	result.Imported = written
	logger.Infof("%s imported %d applications (%d sanctioned, %d skipped)", session.UserID, written, result.Sanctioned, len(result.Skipped))
	return result, nil
}

// DeleteSanctioned removes a sanctioned application once every query raised
// against it is resolved. The check and the delete are separate reads and
// writes; a query raised in between is not detected.
func (s *Service) DeleteSanctioned(ctx context.Context, session Session, appNo string) error {
	if err := s.authorize(session, rbac.ActionUpload); err != nil {
		return err
	}
	appNo = strings.TrimSpace(appNo)
	if _, err := s.store.GetSanctioned(ctx, appNo); err != nil {
		return err
	}
	records, err := s.store.ListQueries(ctx, store.QueryFilter{AppNo: appNo})
	if err != nil {
		return err
	}
	open := 0
	for _, record := range records {
		if !workflow.IsResolved(workflow.Status(record.Status), false) {
			open++
		}
	}
	if open > 0 {
		return domainError(http.StatusConflict, "UNRESOLVED_QUERIES", "Application still has unresolved queries", map[string]any{"open": open})
	}
	return s.store.DeleteSanctioned(ctx, appNo)
}

// Clear wipes one collection. Only admin may call it, and only with confirm set.
func (s *Service) Clear(ctx context.Context, session Session, target string, confirm bool) (int, error) {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return 0, err
	}
	if !confirm {
		return 0, domainError(http.StatusBadRequest, "CONFIRM_REQUIRED", "Pass confirm=true to clear data", nil)
	}
	var (
		removed int
		err     error
	)
	switch target {
	case "queries":
		var records []store.QueryRecord
		records, err = s.store.ListQueries(ctx, store.QueryFilter{})
		if err != nil {
			return 0, err
		}
		removed, err = s.store.ClearQueries(ctx)
		if err == nil {
			for _, record := range records {
				s.search.DeleteQuery(record.ID)
			}
		}
	case "messages":
		removed, err = s.store.ClearMessages(ctx)
	case "sanctioned":
		removed, err = s.store.ClearSanctioned(ctx)
	default:
		return 0, errors.NotValidf("clear target %q", target)
	}
	if err != nil {
		return 0, err
	}
	logger.Warningf("%s cleared %d %s", session.UserID, removed, target)
	return removed, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
