package application

import "fmt"

// EvaluationQueueName is the single work queue every process enqueues to
// and dequeues from for the evaluation pipeline (§4.6, §4.8).
const EvaluationQueueName = "credit_evaluation_jobs"

// EvaluationTaskName is the task name T2 stamps onto every outbox row.
const EvaluationTaskName = "process_credit_application"

// JobID returns the real-time/outbox job id for an application, giving the
// queue's native duplicate detection a stable key to dedupe against
// (§4.6: "this gives the queue's native duplicate detection the power to
// reject a second enqueue for the same application-in-flight").
func JobID(applicationID string) string {
	return fmt.Sprintf("rt_%s", applicationID)
}

// RetryJobID returns the fresh job id C11 uses when re-enqueuing a DLQ
// entry, derived from the original job id and a retry epoch (§4.9).
func RetryJobID(originalJobID string, epoch int64) string {
	return fmt.Sprintf("%s_retry_%d", originalJobID, epoch)
}
