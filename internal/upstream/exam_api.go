package upstream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/stemsi/exam-relay/internal/model"
)

// Student is the upstream's student record as returned by the
// proxy-server listing endpoint. PasswordHash is the bcrypt hash the
// relay caches for offline login fallback.
type Student struct {
	ID           string `json:"userId"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	PasswordHash string `json:"password,omitempty"`
}

// Exam is the upstream's listing-level exam record.
type Exam struct {
	ID              string `json:"examId"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// FetchStudents lists every student known to the upstream, using the
// service-account identity.
func (g *Gateway) FetchStudents(ctx context.Context) ([]Student, error) {
	res, err := g.do(ctx, http.MethodGet, "api/v1/proxy-server/students", nil, g.serviceAccount, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &StatusError{Status: res.Status, Body: string(res.Body)}
	}

	var students []Student
	if err := res.Decode(&students); err != nil {
		return nil, fmt.Errorf("decode students: %w", err)
	}
	return students, nil
}

// FetchStudentExams lists the exams available to one student, acting as
// that student.
func (g *Gateway) FetchStudentExams(ctx context.Context, student model.Identity) ([]Exam, error) {
	path := fmt.Sprintf("api/v1/proxy-server/students/exams/available?schoolId=%s", student.SchoolID)
	res, err := g.do(ctx, http.MethodGet, path, nil, student, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &StatusError{Status: res.Status, Body: string(res.Body)}
	}

	var exams []Exam
	if err := res.Decode(&exams); err != nil {
		return nil, fmt.Errorf("decode exams: %w", err)
	}
	return exams, nil
}

// FetchExamQuestions fetches the full question/option payload for one
// exam, acting as the student. The upstream payload deserializes
// directly into the attempt schema; the caller stamps studentId/examId
// and normalizes ordering before storing.
func (g *Gateway) FetchExamQuestions(ctx context.Context, student model.Identity, examID string) (*model.ExamAttempt, error) {
	path := fmt.Sprintf("api/v1/exams/%s/start", examID)
	res, err := g.do(ctx, http.MethodGet, path, nil, student, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &StatusError{Status: res.Status, Body: string(res.Body)}
	}

	var attempt model.ExamAttempt
	if err := res.Decode(&attempt); err != nil {
		return nil, fmt.Errorf("decode exam questions: %w", err)
	}
	return &attempt, nil
}
