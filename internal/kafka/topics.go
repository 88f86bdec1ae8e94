package kafka

// Topic layout for the dispatch pipeline.
const (
	// TopicAccepted carries admitted tasks from the gateway to the
	// coordinator. Keyed by fingerprint.
	TopicAccepted = "qc.tasks.accepted"
	// TopicComputeRequests carries work from the coordinator's stream
	// backend to remote compute workers. Keyed by fingerprint.
	TopicComputeRequests = "qc.compute.requests"
	// TopicComputeOutcomes carries finished-attempt reports from workers
	// back to the coordinator. Keyed by fingerprint.
	TopicComputeOutcomes = "qc.compute.outcomes"
	// TopicCancellations carries cancellation requests from the gateway to
	// the coordinator. Keyed by fingerprint.
	TopicCancellations = "qc.tasks.cancelled"
)
