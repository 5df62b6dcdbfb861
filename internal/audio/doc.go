// Package audio handles per-client audio buffering, endpointing, and format conversion.
// It implements a bounded drop-oldest sample buffer with exact accounting, a VAD-driven
// gate that decides when buffered audio is ready for a decode pass, WAV and raw float32
// decoding of client frames, and sample-rate conversion.
package audio
