package model

import (
	"fmt"
	"sort"
	"time"
)

// AttemptSchemaVersion is the current on-wire version of ExamAttempt.
// Version 0 (field absent) is the legacy pre-versioning payload and is
// accepted on read; anything newer than the current version is rejected.
const AttemptSchemaVersion = 1

// QuestionType enumerates the upstream question kinds the relay
// understands. Unknown types pass through untouched.
type QuestionType string

const (
	QuestionSingleAnswer QuestionType = "SINGLE_ANSWER"
	QuestionMultiAnswer  QuestionType = "MULTI_ANSWER"
	QuestionFreeText     QuestionType = "FREE_TEXT"
)

// Option is one selectable answer of a question.
type Option struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	Selected bool   `json:"selected"`
}

// Question is one question of a cached attempt. Options are stored in
// whatever order the upstream returned them; Normalize sorts before
// anything is handed to a client.
type Question struct {
	ID         string       `json:"id"`
	Position   int          `json:"position"`
	Type       QuestionType `json:"type"`
	Seen       bool         `json:"seen"`
	AnswerText string       `json:"answerText,omitempty"`
	Options    []Option     `json:"options"`
}

// ExamAttempt is one student's instance of taking one exam. It is the
// local projection that serves all reads while writes are still in
// flight upstream. Identified by (StudentID, ExamID); mutated in place
// by every student action; never deleted.
type ExamAttempt struct {
	SchemaVersion   int        `json:"schema_version,omitempty"`
	StudentID       string     `json:"studentId"`
	ExamID          string     `json:"examId"`
	Title           string     `json:"title,omitempty"`
	Questions       []Question `json:"questions"`
	IsStarted       bool       `json:"isStarted"`
	IsFinished      bool       `json:"isFinished"`
	StartDatetime   time.Time  `json:"startDatetime,omitzero"`
	EndDatetime     time.Time  `json:"endDatetime,omitzero"`
	DurationSeconds int        `json:"durationSeconds"`
}

// Normalize sorts questions and each question's options by ascending
// position. Stored order is whatever the upstream or preloader produced,
// so this runs on every read path.
func (a *ExamAttempt) Normalize() {
	sort.SliceStable(a.Questions, func(i, j int) bool {
		return a.Questions[i].Position < a.Questions[j].Position
	})
	for qi := range a.Questions {
		opts := a.Questions[qi].Options
		sort.SliceStable(opts, func(i, j int) bool {
			return opts[i].Position < opts[j].Position
		})
	}
}

// Question returns a pointer to the question with the given id, or nil.
func (a *ExamAttempt) Question(questionID string) *Question {
	for i := range a.Questions {
		if a.Questions[i].ID == questionID {
			return &a.Questions[i]
		}
	}
	return nil
}

// Validate checks invariants on a freshly deserialized attempt.
func (a *ExamAttempt) Validate() error {
	if a.SchemaVersion > AttemptSchemaVersion {
		return fmt.Errorf("attempt schema version %d is newer than supported %d", a.SchemaVersion, AttemptSchemaVersion)
	}
	if a.StudentID == "" || a.ExamID == "" {
		return fmt.Errorf("attempt missing studentId/examId")
	}
	return nil
}
