package message

import "time"

// SetRetryDelay shortens the result publish backoff in tests.
func SetRetryDelay(s *MessageService, d time.Duration) { s.retryDelay = d }
