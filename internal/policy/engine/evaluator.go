package engine

import (
	"context"

	accountdomain "atlasvet/backend/internal/account/domain"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
)

// Evaluator decides whether a sign-in needs a second factor.
type Evaluator interface {
	// RequiresElevatedAuth evaluates the account against the default or clinic policies of every clinic it belongs to.
	RequiresElevatedAuth(ctx context.Context, account *accountdomain.Account, clinics []*clinicdomain.Clinic) (bool, error)
}

// Fallback is the built-in rule used when policy evaluation fails: the account flag, any clinic flag,
// or the platform switch.
func Fallback(account *accountdomain.Account, clinics []*clinicdomain.Clinic, alwaysMFA bool) bool {
	if alwaysMFA || (account != nil && account.MFARequired) {
		return true
	}
	for _, c := range clinics {
		if c != nil && c.RequireMFA {
			return true
		}
	}
	return false
}
