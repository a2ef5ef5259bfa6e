// Package audio implements the real-time audio pipeline for the voice engine.
//
// The pipeline converges every input onto a single frame shape before
// encoding: 48kHz, mono, 960 samples (20ms). Capture owns the input device
// and produces Opus-encoded frames; Playback owns the output device and
// consumes mixed PCM; MicTest runs an encode/decode loopback for device
// verification without touching the network.
//
// Design principles:
// - Device callbacks never block, allocate in steady state, or take locks;
//   the only shared structure on that path is a single-producer/single-consumer
//   ring buffer.
// - Processing threads may sleep briefly when starved for input.
// - Codec errors drop the frame and continue; device errors end the owning
//   instance and surface through its frame channel closing.
package audio
