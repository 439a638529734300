// Package capture produces raw flow observations from the local host. The
// production source reads the kernel conntrack table; the Source interface
// keeps the rest of the pipeline independent of how flows are observed.
package capture

import (
	"context"
	"time"
)

// FlowObservation is one raw captured transmission: the 5-tuple, a byte
// count, and the direction relative to the monitored host. Byte counts are
// deltas since the flow was last observed; 0 when the kernel does not
// account bytes (net.netfilter.nf_conntrack_acct disabled).
type FlowObservation struct {
	Timestamp time.Time
	Protocol  string
	SrcIP     string
	SrcPort   int
	DstIP     string
	DstPort   int
	Bytes     int64
	Direction string
}

// Source emits a continuous stream of flow observations. The channel is
// closed when the context is cancelled or the source fails permanently.
type Source interface {
	Flows(ctx context.Context) <-chan FlowObservation
}
