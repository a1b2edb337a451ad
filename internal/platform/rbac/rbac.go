// Package rbac resolves the caller's clinic membership for handlers that need a role.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/platform/httpx"
	"atlasvet/backend/internal/server/middleware"
)

var (
	// ErrUnauthenticated means no identity with a clinic is present in the context.
	ErrUnauthenticated = errors.New("clinic and account context required")
	// ErrForbidden means the caller lacks the membership or role.
	ErrForbidden = errors.New("permission denied")
)

// ClinicMembershipGetter returns an account's membership in a clinic, or nil when not a member.
type ClinicMembershipGetter interface {
	GetMembership(ctx context.Context, accountID, clinicID string) (*domain.Membership, error)
}

// RequireClinicMember ensures the caller is authenticated and is a member of the context clinic (any role).
func RequireClinicMember(ctx context.Context, getter ClinicMembershipGetter) (*domain.Membership, error) {
	id, ok := middleware.IdentityFrom(ctx)
	if !ok || id.ClinicID == "" {
		return nil, ErrUnauthenticated
	}
	m, err := getter.GetMembership(ctx, id.AccountID, id.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("resolve membership: %w", err)
	}
	if m == nil {
		return nil, ErrForbidden
	}
	return m, nil
}

// RequireClinicAdmin ensures the caller is authenticated and has role owner or admin in the context clinic.
func RequireClinicAdmin(ctx context.Context, getter ClinicMembershipGetter) (*domain.Membership, error) {
	m, err := RequireClinicMember(ctx, getter)
	if err != nil {
		return nil, err
	}
	if !m.Role.IsAdmin() {
		return nil, ErrForbidden
	}
	return m, nil
}

// WriteError maps an rbac error to an HTTP response.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "Sign in to continue")
	case errors.Is(err, ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "You do not have access to this clinic")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Something went wrong")
	}
}
