package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrLearnerAccessOnly  ErrCode = "LEARNER_ACCESS_ONLY"
	ErrReviewerAccessOnly ErrCode = "REVIEWER_ACCESS_ONLY"
	ErrWorkspaceForbidden ErrCode = "WORKSPACE_FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrAssignmentNotFound  ErrCode = "ASSIGNMENT_NOT_FOUND"
	ErrAssignmentClosed    ErrCode = "ASSIGNMENT_CLOSED"
	ErrAlreadySubmitted    ErrCode = "ALREADY_SUBMITTED"
	ErrEditingFrozen       ErrCode = "EDITING_FROZEN"
	ErrNotSubmittable      ErrCode = "NOT_SUBMITTABLE"
	ErrUnsupportedLanguage ErrCode = "UNSUPPORTED_LANGUAGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid or expired."

	case ErrLearnerAccessOnly:
		return "This resource is restricted to learners."
	case ErrReviewerAccessOnly:
		return "This resource is restricted to reviewers."
	case ErrWorkspaceForbidden:
		return "Your token does not grant access to this workspace."

	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidPayload:
		return "The request payload is invalid."

	case ErrNotFound:
		return "Resource not found."

	case ErrAssignmentNotFound:
		return "Assignment not found."
	case ErrAssignmentClosed:
		return "This assignment is not open."
	case ErrAlreadySubmitted:
		return "You have already submitted this assignment."
	case ErrEditingFrozen:
		return "Answers can no longer be edited."
	case ErrNotSubmittable:
		return "The assignment cannot be submitted right now."
	case ErrUnsupportedLanguage:
		return "Unsupported language. Use python, javascript, java, c or cpp."

	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
