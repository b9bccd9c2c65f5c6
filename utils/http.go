package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by outbound webhook calls. Chat webhooks answer fast;
// a slow one should not hold a ladder operation open.
var HTTPClient = &http.Client{
	Timeout: 10 * time.Second,
}
