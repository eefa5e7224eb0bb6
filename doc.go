// Package mediarec records raw video and audio into MP4 files through
// asynchronous platform encoders.
//
// Key pieces include:
//   - EncodingSystem: owns the buffer pool, runtime and encoder/muxer handles
//   - VideoEncoder/AudioEncoder: push raw media, pull encoded chunks
//   - Muxer: interleaves encoded streams into a progressive MP4 file
//   - Recorder: pumps sources through encoders into a muxer end to end
//   - SharedBufferPool and Runtime: pooled chunk memory and the worker pool
//     every asynchronous completion drains through
//   - TestPatternSource/ToneSource, FrameScaler, and RTP/WebRTC preview sinks
//
// # Architecture
//
//	Video: VideoSource -> VideoEncoder -> Muxer (H.264 in MP4)
//	Audio: AudioSource -> AudioEncoder -> Muxer (AAC in MP4)
//
// Encoders split into an input half (Push, CompleteInput) and an output half
// (Pull). Both are asynchronous: a push settles when the backend accepts the
// payload, a pull settles when the next chunk is ready. A zero-length chunk
// marks end of stream. Completions travel through a pooled token table, so a
// late backend thread can never write into a slot that has been reused.
//
// # Backends
//
// Encoding backends register themselves at init. The built-in synthetic
// backend is always available and produces structurally valid H.264 and AAC
// with deterministic payloads. On darwin and linux the native backend binds
// libmediarec via purego when the library is present; set MEDIAREC_LIB_PATH
// or MEDIAREC_SDK_LIB_PATH to point at it. SystemConfig.Backend selects one
// by name, BackendAuto picks the best available.
//
// # Build Tags
//
//   - nonative: disable the libmediarec backend
package mediarec
