package model

// Profile is a generated identity record. The engine treats it as an opaque
// payload; known keys are first_name, last_name, email, phone, street, city,
// state, zip, age and dob.
type Profile map[string]any

type PreviewRequest struct {
	Count           int     `json:"count"`
	TargetFirstName *string `json:"target_first_name,omitempty"`
	TargetLastName  *string `json:"target_last_name,omitempty"`
	TargetState     *string `json:"target_state,omitempty"`
	TargetAge       *int    `json:"target_age,omitempty"`
}

type PreviewResponse struct {
	Profiles []Profile `json:"profiles"`
}

// ProgressEvent is a campaign snapshot pushed by the engine while it runs.
type ProgressEvent struct {
	Campaign Campaign `json:"campaign"`
	Reason   string   `json:"reason,omitempty"`
}
