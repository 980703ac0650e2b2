package model

// StudentLoginRecord is the cached credential record used as the login
// fallback when the upstream auth endpoint is unreachable. Keyed by
// username (matric number) in the logins hash.
type StudentLoginRecord struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password,omitempty"`
	Name         string `json:"name,omitempty"`
}

// ExamSummary is the listing-level view of one exam, cached per student
// so GET /exams keeps working through an outage.
type ExamSummary struct {
	ExamID          string `json:"examId"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// StudentRecord is the cached profile plus attempt summaries for one
// student, keyed by student id in the students hash.
type StudentRecord struct {
	ID       string        `json:"id"`
	Username string        `json:"username,omitempty"`
	Email    string        `json:"email"`
	Name     string        `json:"name,omitempty"`
	Exams    []ExamSummary `json:"exams"`
}
