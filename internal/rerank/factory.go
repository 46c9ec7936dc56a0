package rerank

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Methods accepted by New.
const (
	MethodKReciprocal = "kreciprocal"
	MethodCosine      = "cosine"
	MethodRemote      = "remote"
)

// Options selects and wraps an oracle implementation.
type Options struct {
	Method  string
	URL     string
	Timeout time.Duration
	Retries uint64
}

// New builds the oracle named by opts.Method. Remote oracles get retries;
// every oracle gets the configured timeout.
func New(opts Options, logger *slog.Logger) (Oracle, error) {
	var o Oracle
	switch opts.Method {
	case "", MethodKReciprocal:
		o = KReciprocal{}
	case MethodCosine:
		o = Cosine{}
	case MethodRemote:
		o = WithRetry(NewRemote(opts.URL, &http.Client{}), RetryConfig{MaxRetries: opts.Retries}, logger)
	default:
		return nil, fmt.Errorf("unknown rerank method %q (want %s, %s or %s)",
			opts.Method, MethodKReciprocal, MethodCosine, MethodRemote)
	}
	return WithTimeout(o, opts.Timeout), nil
}
