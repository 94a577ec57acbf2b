package metrics

import "time"

// Exponential histogram layouts shared by the collectors.
const (
	bucketStart100us = 0.0001 // 0.1ms to ~400ms with 12 doubling buckets
	bucketStart1ms   = 0.001
	bucketStart64B   = 64.0
	bucketStart100B  = 100.0

	bucketDouble = 2
	bucketDecade = 10

	bucketCount6  = 6
	bucketCount10 = 10
	bucketCount12 = 12
)

// ShutdownTimeout bounds the graceful shutdown of the metrics server.
const ShutdownTimeout = 5 * time.Second

// Websocket close reasons. Unknown reasons are recorded as CloseReasonError.
const (
	CloseReasonClosed   = "closed"
	CloseReasonCanceled = "canceled"
	CloseReasonError    = "error"
)
