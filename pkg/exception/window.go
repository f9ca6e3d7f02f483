package exception

import "errors"

// ErrAggregatorStalled is a warning: open windows exist but the watermark has not moved.
var ErrAggregatorStalled = errors.New("window: aggregator stalled")
