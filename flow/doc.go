// Package flow implements buffer-occupancy back-pressure for channel sends.
//
// A Controller polls a channel's buffered byte count and blocks the caller
// until occupancy drops under a threshold. The threshold is a quarter of the
// configured buffer budget, not the budget itself, so a sender that just
// cleared congestion does not immediately re-trigger it. Poll intervals back
// off as occupancy grows, avoiding a busy spin while congested.
package flow
