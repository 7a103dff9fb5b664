package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ViolationCounterKey returns the cache key of one proctoring counter field
// for a learner inside an assignment.
func (r *CacheKeyStruct) ViolationCounterKey(workspaceID, assignmentID, learnerID, field string) string {
	return fmt.Sprintf("assignment_%s_%s_%s_%s", workspaceID, assignmentID, learnerID, field)
}

// LearnerAnswersKey returns the cache key for a learner's autosaved answers
func (r *CacheKeyStruct) LearnerAnswersKey(workspaceID, assignmentID, learnerID string) string {
	return fmt.Sprintf("workspace:%s:assignment:%s:learner:%s:answers", workspaceID, assignmentID, learnerID)
}

// LearnerLanguagesKey returns the cache key for the language chosen per question
func (r *CacheKeyStruct) LearnerLanguagesKey(workspaceID, assignmentID, learnerID string) string {
	return fmt.Sprintf("workspace:%s:assignment:%s:learner:%s:languages", workspaceID, assignmentID, learnerID)
}

// AssignmentMonitorChannel returns the Redis PubSub channel name for an assignment monitor
func (r *CacheKeyStruct) AssignmentMonitorChannel(workspaceID, assignmentID string) string {
	return fmt.Sprintf("workspace:%s:assignment:%s:monitor", workspaceID, assignmentID)
}

var CacheKey = NewCacheKeyStruct()
