package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	accountdomain "atlasvet/backend/internal/account/domain"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/policy/domain"
)

const (
	policyPackage = "atlas.auth"
	decisionQuery = "data.atlas.auth.requires_elevated_auth"
)

// DefaultRegoPolicy is evaluated for clinics without enabled policies.
const DefaultRegoPolicy = `package atlas.auth

default requires_elevated_auth := false

requires_elevated_auth if {
	input.platform.mfa_required_always
}

requires_elevated_auth if {
	input.account.mfa_required
}

requires_elevated_auth if {
	input.clinic.require_mfa
}
`

// ErrInvalidPolicy is returned by Validate for rules that do not compile or use the wrong package.
var ErrInvalidPolicy = errors.New("invalid policy")

// PolicyLister loads a clinic's enabled policies.
type PolicyLister interface {
	ListEnabledByClinic(ctx context.Context, clinicID string) ([]*domain.Policy, error)
}

// OPAEvaluator evaluates elevated-auth policies using OPA Rego.
type OPAEvaluator struct {
	policies  PolicyLister
	alwaysMFA bool
	log       *zap.Logger
}

// NewOPAEvaluator returns an OPA-based policy evaluator. policies may be nil to always use the default.
func NewOPAEvaluator(policies PolicyLister, alwaysMFA bool, log *zap.Logger) *OPAEvaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &OPAEvaluator{policies: policies, alwaysMFA: alwaysMFA, log: log}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
// Does not call the policy repo or database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := evaluate(ctx, []string{DefaultRegoPolicy}, buildInput(nil, nil, false))
	return err
}

// RequiresElevatedAuth evaluates each clinic separately: the clinic's enabled policies when it has any,
// the default policy otherwise. Any clinic requiring a second factor requires it for the login.
// On evaluation failure the built-in Fallback decides and the error is logged, not returned.
func (e *OPAEvaluator) RequiresElevatedAuth(ctx context.Context, account *accountdomain.Account, clinics []*clinicdomain.Clinic) (bool, error) {
	if len(clinics) == 0 {
		return e.decide(ctx, account, nil, nil, clinics)
	}
	for _, c := range clinics {
		var rules []string
		if e.policies != nil {
			list, err := e.policies.ListEnabledByClinic(ctx, c.ID)
			if err != nil {
				e.log.Warn("load clinic policies", zap.String("clinic_id", c.ID), zap.Error(err))
			}
			for _, p := range list {
				if p.Enabled && p.Rules != "" {
					rules = append(rules, p.Rules)
				}
			}
		}
		required, err := e.decide(ctx, account, c, rules, clinics)
		if err != nil || required {
			return required, err
		}
	}
	return false, nil
}

func (e *OPAEvaluator) decide(ctx context.Context, account *accountdomain.Account, clinic *clinicdomain.Clinic, rules []string, all []*clinicdomain.Clinic) (bool, error) {
	if len(rules) == 0 {
		rules = []string{DefaultRegoPolicy}
	}
	required, err := evaluate(ctx, rules, buildInput(account, clinic, e.alwaysMFA))
	if err != nil {
		fallback := Fallback(account, all, e.alwaysMFA)
		e.log.Warn("policy evaluation failed, using built-in rule", zap.Bool("requires_elevated_auth", fallback), zap.Error(err))
		return fallback, nil
	}
	return required, nil
}

// Validate compiles rules on their own and checks they declare the decision package.
func Validate(rules string) error {
	mod, err := ast.ParseModule("policy.rego", rules)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if mod == nil {
		return fmt.Errorf("%w: empty module", ErrInvalidPolicy)
	}
	if pkg := strings.TrimPrefix(mod.Package.Path.String(), "data."); pkg != policyPackage {
		return fmt.Errorf("%w: package must be %s, got %s", ErrInvalidPolicy, policyPackage, pkg)
	}
	if _, err := ast.CompileModules(map[string]string{"policy.rego": rules}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

func buildInput(account *accountdomain.Account, clinic *clinicdomain.Clinic, alwaysMFA bool) map[string]interface{} {
	acct := map[string]interface{}{
		"id":           "",
		"mfa_required": false,
		"role":         "",
		"plan":         "",
	}
	if account != nil {
		acct["id"] = account.ID
		acct["mfa_required"] = account.MFARequired
		acct["role"] = account.Role
		acct["plan"] = account.Plan
	}
	c := map[string]interface{}{
		"id":          "",
		"require_mfa": false,
	}
	if clinic != nil {
		c["id"] = clinic.ID
		c["require_mfa"] = clinic.RequireMFA
	}
	return map[string]interface{}{
		"platform": map[string]interface{}{"mfa_required_always": alwaysMFA},
		"account":  acct,
		"clinic":   c,
	}
}

func evaluate(ctx context.Context, policies []string, input map[string]interface{}) (bool, error) {
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = p
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return false, fmt.Errorf("compile policies: %w", err)
	}
	rs, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("eval policies: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// A clinic module without a default leaves the rule undefined.
		return false, nil
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("requires_elevated_auth is %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}
