package queue

// QueueInfo describes the state of a queue.
type QueueInfo struct {
	// Pending is the length of the pending list.
	Pending int64 `json:"pending"`
	// Delayed is the number of jobs waiting for their execute-at time.
	Delayed int64 `json:"delayed"`
	// InFlight is the number of popped jobs not yet acknowledged.
	InFlight int64 `json:"inFlight"`
	// Failed is the number of jobs of this queue tracked by the dead-letter queue.
	Failed int64 `json:"failed"`
	// Corrupt is the number of records that could not be decoded.
	Corrupt int64 `json:"corrupt"`
}
