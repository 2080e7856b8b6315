// Package metrics defines the event sink the packer and recovery loops emit
// into, plus the readiness tracker the operational endpoints report from. The
// prometheus subpackage provides the production sink; components accept a nil
// Sink and run with zero overhead when metrics are disabled.
package metrics

// Sink receives metric events. Implementations must be safe for concurrent
// use.
//
// Naming convention drives the metric type: names ending in "_total" are
// monotonic counters (value is the increment), names ending in
// "_milliseconds" are duration observations, everything else is a gauge set
// to value.
type Sink interface {
	OnEvent(name string, labels map[string]string, value float64)
}

// Emit forwards an event to s, tolerating a nil sink.
func Emit(s Sink, name string, labels map[string]string, value float64) {
	if s != nil {
		s.OnEvent(name, labels, value)
	}
}

// Event names emitted by the packer and recovery loops.
const (
	EventFilesPacked         = "des_files_packed_total"
	EventBytesPacked         = "des_bytes_packed_total"
	EventFilesFailed         = "des_files_failed_total"
	EventContainersCommitted = "des_containers_committed_total"
	EventContainersAbandoned = "des_containers_abandoned_total"
	EventLeaseAcquired       = "des_lease_acquired_total"
	EventLeaseLost           = "des_lease_lost_total"
	EventLeaseRenewals       = "des_lease_renewals_total"
	EventClaimsReset         = "des_claims_reset_total"
	EventSalvaged            = "des_recovery_salvaged_total"
	EventSwept               = "des_recovery_swept_total"

	EventBatchSize    = "des_batch_size"
	EventShardsOwned  = "des_shards_owned"
	EventPendingFiles = "des_source_pending_files"

	EventPackDuration   = "des_pack_batch_milliseconds"
	EventUploadDuration = "des_upload_milliseconds"
)

// Common label keys.
const (
	LabelShard  = "shard"
	LabelSource = "source"
	LabelPod    = "pod"
	LabelReason = "reason"
)
