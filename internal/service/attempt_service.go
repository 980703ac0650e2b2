package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
)

// AttemptService is the projector between student actions and state.
// Every write action does two things: enqueue the corresponding upstream
// mutation, then apply the equivalent change to the cached attempt so
// the very next read reflects it — before the upstream has confirmed
// anything. The caller never waits on upstream health.
type AttemptService struct {
	attempts  *store.AttemptStore
	queue     *store.QueueStore
	queueName string
	gateway   *upstream.Gateway
	now       func() time.Time
	log       zerolog.Logger
}

// NewAttemptService creates the projector writing to the active queue
// generation.
func NewAttemptService(
	attempts *store.AttemptStore,
	queue *store.QueueStore,
	queueName string,
	gateway *upstream.Gateway,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attempts:  attempts,
		queue:     queue,
		queueName: queueName,
		gateway:   gateway,
		now:       time.Now,
		log:       log.With().Str("component", "attempt_service").Logger(),
	}
}

// AnswerInput is the body of an answer action. Exactly one of OptionID
// and AnswerText is meaningful, depending on the question type.
type AnswerInput struct {
	OptionID   string `json:"optionId"`
	AnswerText string `json:"answerText"`
}

// GetAttempt returns the cached attempt, normalized by position.
func (s *AttemptService) GetAttempt(ctx context.Context, studentID, examID string) (*model.ExamAttempt, error) {
	attempt, err := s.attempts.GetAttempt(ctx, studentID, examID)
	if err != nil {
		return nil, err
	}
	attempt.Normalize()
	return attempt, nil
}

// StoreFetchedAttempt caches a fresh upstream payload for a student,
// normalized, without touching timing state. Overwrites only when no
// attempt exists yet — a live attempt is never clobbered by a re-fetch.
func (s *AttemptService) StoreFetchedAttempt(ctx context.Context, studentID, examID string, attempt *model.ExamAttempt) error {
	exists, err := s.attempts.HasAttempt(ctx, studentID, examID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	attempt.StudentID = studentID
	attempt.ExamID = examID
	attempt.Normalize()
	return s.attempts.PutAttempt(ctx, attempt)
}

// ListExams forwards the upstream exam listing for the caller. Any
// upstream failure — unreachable or errored — degrades to the cached
// exam summaries, returning the best-known snapshot instead of an error.
func (s *AttemptService) ListExams(ctx context.Context, caller model.Identity) (any, error) {
	res, err := s.gateway.Forward(ctx, http.MethodGet, "api/exams", nil, caller)
	if err == nil && res.OK() && res.IsJSON {
		var listing any
		if err := res.Decode(&listing); err == nil {
			return listing, nil
		}
	}

	s.log.Warn().
		Err(err).
		Str("student_id", caller.ID).
		Msg("Upstream exam listing unavailable, serving cached summaries")

	record, err := s.attempts.GetStudent(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	return record.Exams, nil
}

// Start transitions the attempt to started, fixing the timing window.
// Only the false→true transition touches StartDatetime/EndDatetime;
// repeated calls are no-ops on the timing fields, so a client retrying
// start never extends the exam.
func (s *AttemptService) Start(ctx context.Context, caller model.Identity, examID string) (*model.ExamAttempt, error) {
	attempt, err := s.attempts.GetAttempt(ctx, caller.ID, examID)
	if err != nil {
		return nil, err
	}

	s.enqueueAction(ctx, caller, fmt.Sprintf("api/exams/%s/start", examID), map[string]any{
		"startedAt": s.now().UTC(),
	})

	if !attempt.IsStarted {
		attempt.IsStarted = true
		attempt.StartDatetime = s.now().UTC()
		attempt.EndDatetime = attempt.StartDatetime.Add(time.Duration(attempt.DurationSeconds) * time.Second)
	}

	if err := s.attempts.PutAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	attempt.Normalize()
	return attempt, nil
}

// MarkAsSeen idempotently flags a question as seen.
func (s *AttemptService) MarkAsSeen(ctx context.Context, caller model.Identity, examID, questionID string) (*model.ExamAttempt, error) {
	attempt, err := s.attempts.GetAttempt(ctx, caller.ID, examID)
	if err != nil {
		return nil, err
	}

	question := attempt.Question(questionID)
	if question == nil {
		return nil, apperror.NotFound(fmt.Sprintf("question %s not in attempt", questionID))
	}

	s.enqueueAction(ctx, caller, fmt.Sprintf("api/exams/%s/questions/%s/mark-as-seen", examID, questionID), nil)

	question.Seen = true
	if err := s.attempts.PutAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	attempt.Normalize()
	return attempt, nil
}

// AnswerQuestion records a student's answer. FREE_TEXT overwrites the
// answer text; any other type selects the chosen option, and
// SINGLE_ANSWER additionally clears every sibling option in the same
// mutation so at most one option stays selected.
func (s *AttemptService) AnswerQuestion(ctx context.Context, caller model.Identity, examID, questionID string, input AnswerInput) (*model.ExamAttempt, error) {
	attempt, err := s.attempts.GetAttempt(ctx, caller.ID, examID)
	if err != nil {
		return nil, err
	}

	question := attempt.Question(questionID)
	if question == nil {
		return nil, apperror.NotFound(fmt.Sprintf("question %s not in attempt", questionID))
	}

	if question.Type == model.QuestionFreeText {
		s.enqueueAction(ctx, caller, fmt.Sprintf("api/exams/%s/questions/%s/answer", examID, questionID), map[string]any{
			"answerText": input.AnswerText,
			"answeredAt": s.now().UTC(),
		})
		question.AnswerText = input.AnswerText
	} else {
		var chosen *model.Option
		for i := range question.Options {
			if question.Options[i].ID == input.OptionID {
				chosen = &question.Options[i]
				break
			}
		}
		if chosen == nil {
			return nil, apperror.Validation(fmt.Sprintf("option %s not in question %s", input.OptionID, questionID))
		}

		s.enqueueAction(ctx, caller, fmt.Sprintf("api/exams/%s/questions/%s/answer", examID, questionID), map[string]any{
			"optionId":   input.OptionID,
			"answeredAt": s.now().UTC(),
		})

		if question.Type == model.QuestionSingleAnswer {
			for i := range question.Options {
				question.Options[i].Selected = false
			}
		}
		chosen.Selected = true
	}

	if err := s.attempts.PutAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	attempt.Normalize()
	return attempt, nil
}

// ExamTimeUp idempotently finishes an attempt when its clock runs out.
// A missing attempt is tolerated: the client's timer can fire for an
// exam the relay never saw, and there is nothing to record.
func (s *AttemptService) ExamTimeUp(ctx context.Context, caller model.Identity, examID string) error {
	attempt, err := s.attempts.GetAttempt(ctx, caller.ID, examID)
	if err != nil {
		if apperror.IsNotFound(err) {
			s.log.Debug().
				Str("student_id", caller.ID).
				Str("exam_id", examID).
				Msg("Time-up for unknown attempt, ignoring")
			return nil
		}
		return err
	}

	s.enqueueAction(ctx, caller, fmt.Sprintf("api/exams/%s/time-up", examID), map[string]any{
		"endedAt": s.now().UTC(),
	})

	attempt.IsFinished = true
	return s.attempts.PutAttempt(ctx, attempt)
}

// FinishExam idempotently marks an attempt finished on explicit student
// submission. Unlike ExamTimeUp, the attempt must exist.
func (s *AttemptService) FinishExam(ctx context.Context, caller model.Identity, examID string) (*model.ExamAttempt, error) {
	attempt, err := s.attempts.GetAttempt(ctx, caller.ID, examID)
	if err != nil {
		return nil, err
	}

	s.enqueueAction(ctx, caller, fmt.Sprintf("api/exams/%s/finished", examID), map[string]any{
		"endedAt": s.now().UTC(),
	})

	attempt.IsFinished = true
	if err := s.attempts.PutAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	attempt.Normalize()
	return attempt, nil
}

// enqueueAction appends the upstream write for a student action. The
// entry carries the student's identity and is marked to replay under the
// service account, since the student's session will be long gone by the
// time an outage ends. Enqueue failures are logged and absorbed: the
// local mutation must proceed regardless (fire-and-forget by design).
func (s *AttemptService) enqueueAction(ctx context.Context, caller model.Identity, uri string, body map[string]any) {
	entry := &model.QueueEntry{
		TargetURI:              uri,
		Method:                 http.MethodPost,
		Body:                   body,
		Identity:               caller,
		ActingAsServiceAccount: true,
		ServiceAccountIdentity: s.gateway.ServiceAccount(),
	}

	if err := s.queue.Enqueue(ctx, s.queueName, entry); err != nil {
		s.log.Error().
			Err(err).
			Str("uri", uri).
			Str("student_id", caller.ID).
			Msg("Enqueue upstream write failed")
	}
}
