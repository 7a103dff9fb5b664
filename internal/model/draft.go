package model

// DraftAnswer is one autosaved answer edit sent over the proctoring stream.
type DraftAnswer struct {
	Question string `json:"question" validate:"required,max=4096"`
	Code     string `json:"code" validate:"max=65536"`
	Language string `json:"language" validate:"required,language"`
}

// DraftPayload is the queue message persisted by the draft worker.
type DraftPayload struct {
	WorkspaceID  string `json:"workspace_id"`
	AssignmentID string `json:"assignment_id"`
	LearnerID    string `json:"learner_id"`
	Question     string `json:"question"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	SavedAt      int64  `json:"saved_at"`
}
