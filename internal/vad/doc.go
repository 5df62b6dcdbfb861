// Package vad provides energy-based Voice Activity Detection over fixed-size windows
// of normalized float32 audio, with optional exponential smoothing and per-processor
// statistics.
package vad
