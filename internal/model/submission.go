package model

// Reasons a submission was made.
const (
	ReasonManual            = "manual"
	ReasonSecurityViolation = "security_violation"
	ReasonDeadline          = "deadline"
)

// Evaluation is the per-question outcome of automatic grading.
// A failed call is stored with Success false and the failure in Error.
type Evaluation struct {
	Success bool     `json:"success"`
	Grade   *float64 `json:"grade,omitempty"`
	Review  string   `json:"review,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Submission is the single record a learner has per assignment.
type Submission struct {
	SubmittedBy   string                `json:"submittedBy"`
	SubmittedAt   int64                 `json:"submittedAt"`
	Answers       map[string]string     `json:"answers"`
	Languages     map[string]string     `json:"languages"`
	Marks         map[string]float64    `json:"marks"`
	Evaluations   map[string]Evaluation `json:"evaluations"`
	Violations    ProctoringCounters    `json:"violations"`
	Reason        string                `json:"reason"`
	ViolationKind string                `json:"violationKind,omitempty"`
}

// TotalMarks sums the grades awarded.
func (s *Submission) TotalMarks() float64 {
	var total float64
	for _, m := range s.Marks {
		total += m
	}
	return total
}
