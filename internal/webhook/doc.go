// Package webhook implements the inbound webhook endpoints.
//
// Each request moves through received, acknowledged, validated, extracted and
// finally dispatched or dropped. The HTTP 200 acknowledgment is written and
// flushed before any validation so providers never retry because of slow
// processing; a request that fails a later step is logged and dropped.
package webhook
