package ingest

import "github.com/sina-abbasi/ragline/internal/store"

// Classification partitions a fetched document against its persisted state.
type Classification string

const (
	ClassNew       Classification = "new"
	ClassChanged   Classification = "changed"
	ClassUnchanged Classification = "unchanged"
)

// Classify decides whether a fetched document needs processing:
//
//   - no prior record: new
//   - force: changed, regardless of anything else
//   - identical hash with a prior success: unchanged
//   - identical hash but permanently failed: unchanged (the retry ceiling was
//     exhausted for this content; only a content change or force revives it)
//   - identical hash with any other non-success status: changed (retry)
//   - differing hash: changed
func Classify(prior store.IngestionRecord, found bool, contentHash string, force bool) Classification {
	if force {
		return ClassChanged
	}
	if !found {
		return ClassNew
	}
	if prior.ContentHash != contentHash {
		return ClassChanged
	}
	switch prior.Status {
	case store.StatusSuccess:
		return ClassUnchanged
	case store.StatusPermanentlyFailed:
		return ClassUnchanged
	default:
		return ClassChanged
	}
}
