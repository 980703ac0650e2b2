package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptsHash is the Redis hash holding cached exam attempts.
func (r *CacheKeyStruct) AttemptsHash() string {
	return "student-exams"
}

// AttemptField returns the hash field for one student's attempt at one exam.
func (r *CacheKeyStruct) AttemptField(studentID, examID string) string {
	return fmt.Sprintf("%s-%s", studentID, examID)
}

// StudentsHash is the Redis hash holding student profile + exam summaries.
func (r *CacheKeyStruct) StudentsHash() string {
	return "students"
}

// LoginsHash is the Redis hash holding cached login credentials, keyed by
// username (matric number).
func (r *CacheKeyStruct) LoginsHash() string {
	return "students-login"
}

// DeadLetterQueue returns the dead-letter sibling of a queue name.
func (r *CacheKeyStruct) DeadLetterQueue(queueName string) string {
	return queueName + "-failed"
}

var CacheKey = NewCacheKeyStruct()
