package accountpool

import (
	"context"
	"errors"
	"fmt"
)

// Registrar provisions fresh accounts against the external service.
//
// Attempt runs one complete provisioning flow and returns the resulting
// account, ready to be stored as available. Each call is independent and may
// take seconds to minutes. Implementations must be safe for concurrent use
// and must honor ctx cancellation without leaving partial state behind: an
// abandoned attempt never writes anything to the store.
type Registrar interface {
	Attempt(ctx context.Context) (*Registration, error)
}

// RegistrarFunc adapts a function to the Registrar interface.
type RegistrarFunc func(ctx context.Context) (*Registration, error)

func (f RegistrarFunc) Attempt(ctx context.Context) (*Registration, error) {
	return f(ctx)
}

// Registration is the outcome of a successful provisioning attempt.
type Registration struct {
	Account Account

	// RequestLimit is the provider-reported usage allowance of the new
	// account, zero when the probe failed or the provider did not report
	// one. Accounts come in tiers; see QuotaTierHigh and QuotaTierStandard.
	RequestLimit int
}

// Provider-observed allowance tiers for freshly registered accounts.
const (
	QuotaTierHigh     = 2500
	QuotaTierStandard = 150
)

// Step identifies the provisioning stage at which a registration attempt
// failed.
type Step string

const (
	// StepMailbox covers creating the throwaway mailbox.
	StepMailbox Step = "mailbox"
	// StepSigninLink covers requesting the sign-in link from the identity
	// provider.
	StepSigninLink Step = "signin_link"
	// StepVerificationEmail covers waiting for the verification email and
	// extracting the one-time code from it.
	StepVerificationEmail Step = "verification_email"
	// StepCompleteSignin covers exchanging the one-time code for tokens.
	StepCompleteSignin Step = "complete_signin"
	// StepActivation covers activating the account with the target service.
	StepActivation Step = "activation"
	// StepUnknown is used when an attempt failed outside any identifiable
	// stage, e.g. a timeout or panic-free infrastructure fault.
	StepUnknown Step = "unknown"
)

// RegistrationError reports a failed provisioning attempt, classified by the
// stage that failed. It is terminal for that attempt: the replenisher counts
// it and moves on, it never retries within the same pass.
type RegistrationError struct {
	Step Step
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed at %s: %v", e.Step, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// FailureStep extracts the provisioning stage from err, or StepUnknown if
// err does not carry one.
func FailureStep(err error) Step {
	var regErr *RegistrationError
	if errors.As(err, &regErr) {
		return regErr.Step
	}
	return StepUnknown
}
