package scoring

import (
	"context"
	"time"

	"github.com/okian/blindslot/pkg/metrics"
)

// Instrument wraps o so every call records latency and failures under name.
func Instrument(name string, o Oracle) Oracle {
	return OracleFunc(func(ctx context.Context, in Input) (Result, error) {
		start := time.Now()
		res, err := o.Score(ctx, in)
		metrics.RecordOracleLatency(name, float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			metrics.RecordOracleError(name)
		}
		return res, err
	})
}
