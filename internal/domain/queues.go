package domain

// Queue topology: one queue per analysis type, one corrective queue per QA
// tier, and three management queues. A task sits in at most one queue at a
// time; enqueue is idempotent on (task_id, queue_key).

// Priority orders items within one queue. Higher priority drains first;
// within one priority the order is strict FIFO.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities returns the drain order.
func Priorities() []Priority { return []Priority{PriorityHigh, PriorityNormal, PriorityLow} }

// AnalysisQueue returns the queue key for an analysis type.
func AnalysisQueue(t AnalysisType) string { return "analysis:" + string(t) }

// CorrectiveQueue returns the queue key for a QA tier's corrective work.
func CorrectiveQueue(tier Tier) string { return "corrective:" + string(tier) }

// Management queue keys.
const (
	QueueManualReview    = "management:manual_review"
	QueuePriority        = "management:priority"
	QueueBatchCompletion = "management:batch_completion"
)

// AllQueues returns every queue key the broker provisions: 21 analysis,
// 3 corrective, 3 management.
func AllQueues() []string {
	keys := make([]string, 0, 27)
	for _, t := range AllAnalysisTypes() {
		keys = append(keys, AnalysisQueue(t))
	}
	for _, tier := range TierOrder() {
		keys = append(keys, CorrectiveQueue(tier))
	}
	return append(keys, QueueManualReview, QueuePriority, QueueBatchCompletion)
}

// QueueItem is the broker payload: a reference, not the task row itself.
type QueueItem struct {
	TaskID    string       `json:"task_id"`
	ProcessID string       `json:"process_id"`
	MediaID   string       `json:"media_id"`
	Type      AnalysisType `json:"analysis_type"`
}
