// Package scheduler multiplexes the single decoding engine across sessions.
// A single consumer loop services a round-robin run queue of ready sessions;
// each pass swaps the session's snapshot into the engine, decodes a bounded
// chunk, applies the commit policy, emits transcript deltas and swaps the
// updated snapshot back out.
package scheduler
