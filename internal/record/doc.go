// Package record holds the storage-agnostic shapes that move through the
// capture pipeline: the Record itself, its three status lanes, capture events,
// classification references, and the transition table that governs every
// lane write.
//
// The ingest lane is the authoritative lifecycle: captured, then for each
// stage queued_for_<stage> and processing_<stage>, ending in processed or
// failed. The pipeline lane carries one stage-namespaced outcome at a time and
// must stay consistent with the ingest lane. The cognitive lane is advanced
// only by semantic enrichment.
//
// Persistence lives in the store package; nothing here touches SQL.
package record
