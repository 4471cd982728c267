package credits

import "errors"

var (
	// ErrUnauthenticated means no resolved user identity was supplied.
	ErrUnauthenticated = errors.New("credits: unauthenticated")
	// ErrInvalidAction means the action type label was empty or longer than
	// MaxActionTypeLength.
	ErrInvalidAction = errors.New("credits: action type must be 1-64 characters")
	// ErrInvalidAmount means a non-positive number of credits was requested.
	ErrInvalidAmount = errors.New("credits: credits needed must be positive")
	// ErrInvalidPlan means a subscription update carried an unknown plan type.
	ErrInvalidPlan = errors.New("credits: unknown plan type")
	// ErrSubscriptionNotFound is returned by lookups that never create rows.
	ErrSubscriptionNotFound = errors.New("credits: subscription not found")
	// ErrCreditsNotFound is returned when a credit record is read before creation.
	ErrCreditsNotFound = errors.New("credits: credit record not found")
)

// QuotaExceededMessage is the Result.Error text for a blocked call.
const QuotaExceededMessage = "monthly credit limit reached: upgrade to premium for unlimited access"
