//go:build (darwin || linux) && !nonative

// Native encoder backend bound to libmediarec via purego. The library runs
// hardware or platform software codecs on its own threads and reports every
// push and pull through the completion callbacks registered at load time.

package mediarec

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"
)

// NativeBackendName selects the libmediarec backend explicitly.
const NativeBackendName = "native"

var (
	mediarecOnce    sync.Once
	mediarecHandle  uintptr
	mediarecInitErr error
)

// libmediarec function pointers
var (
	mediarecSetCallbacks func(onSignal, onChunk uintptr)
	mediarecAvailable    func() int32
	mediarecLastError    func() uintptr

	mediarecVideoCreate        func(width, height, fps, bitrateKbps int32) uint64
	mediarecVideoPush          func(encoder uint64, data uintptr, size int32, ptsUs int64, token uint64) int32
	mediarecVideoPull          func(encoder uint64, token uint64) int32
	mediarecVideoCompleteInput func(encoder uint64) int32
	mediarecVideoDestroy       func(encoder uint64)

	mediarecAudioCreate        func(sampleRate, channels, bitrateKbps int32) uint64
	mediarecAudioPush          func(encoder uint64, data uintptr, size int32, sampleIndex int64, token uint64) int32
	mediarecAudioPull          func(encoder uint64, token uint64) int32
	mediarecAudioCompleteInput func(encoder uint64) int32
	mediarecAudioDestroy       func(encoder uint64)
)

// Status codes from mediarec.h
const (
	mediarecOK           = 0
	mediarecError        = -1
	mediarecErrorNoMem   = -2
	mediarecErrorInvalid = -3
	mediarecErrorCodec   = -4
)

// Chunk kinds from mediarec.h, matching ChunkKind values.
const (
	mediarecChunkDelta    = 0
	mediarecChunkKey      = 1
	mediarecChunkMetadata = 2
)

func init() {
	RegisterBackend(&nativeBackend{}, 10)
}

func loadMediarec() error {
	mediarecOnce.Do(func() {
		mediarecInitErr = loadMediarecLib()
		if mediarecInitErr == nil {
			mediarecSetCallbacks(
				purego.NewCallback(onNativeSignal),
				purego.NewCallback(onNativeChunk),
			)
			logrus.WithField("backend", NativeBackendName).Debug("libmediarec loaded")
		}
	})
	return mediarecInitErr
}

func loadMediarecLib() error {
	paths := getMediarecLibPaths()

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			mediarecHandle = handle
			if err := loadMediarecSymbols(); err != nil {
				purego.Dlclose(handle)
				lastErr = err
				continue
			}
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return errInitf("backend.native", "failed to load libmediarec: %v", lastErr)
	}
	return errInitf("backend.native", "libmediarec not found in any standard location")
}

func getMediarecLibPaths() []string {
	var paths []string

	libName := "libmediarec.so"
	if runtime.GOOS == "darwin" {
		libName = "libmediarec.dylib"
	}

	// Environment variable overrides (highest priority)
	if envPath := os.Getenv("MEDIAREC_LIB_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv("MEDIAREC_SDK_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Search relative to working directory
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "..", "build", libName),
		)
	}

	// Search relative to module root (find go.mod from cwd)
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths, filepath.Join(moduleRoot, "build", libName))
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}

	return paths
}

func loadMediarecSymbols() error {
	purego.RegisterLibFunc(&mediarecSetCallbacks, mediarecHandle, "mediarec_set_callbacks")
	purego.RegisterLibFunc(&mediarecAvailable, mediarecHandle, "mediarec_available")
	purego.RegisterLibFunc(&mediarecLastError, mediarecHandle, "mediarec_last_error")

	purego.RegisterLibFunc(&mediarecVideoCreate, mediarecHandle, "mediarec_video_encoder_create")
	purego.RegisterLibFunc(&mediarecVideoPush, mediarecHandle, "mediarec_video_encoder_push")
	purego.RegisterLibFunc(&mediarecVideoPull, mediarecHandle, "mediarec_video_encoder_pull")
	purego.RegisterLibFunc(&mediarecVideoCompleteInput, mediarecHandle, "mediarec_video_encoder_complete_input")
	purego.RegisterLibFunc(&mediarecVideoDestroy, mediarecHandle, "mediarec_video_encoder_destroy")

	purego.RegisterLibFunc(&mediarecAudioCreate, mediarecHandle, "mediarec_audio_encoder_create")
	purego.RegisterLibFunc(&mediarecAudioPush, mediarecHandle, "mediarec_audio_encoder_push")
	purego.RegisterLibFunc(&mediarecAudioPull, mediarecHandle, "mediarec_audio_encoder_pull")
	purego.RegisterLibFunc(&mediarecAudioCompleteInput, mediarecHandle, "mediarec_audio_encoder_complete_input")
	purego.RegisterLibFunc(&mediarecAudioDestroy, mediarecHandle, "mediarec_audio_encoder_destroy")
	return nil
}

// onNativeSignal is called by libmediarec threads when a push or finish
// operation settles.
func onNativeSignal(token uint64, status int32) {
	ResolveSignal(token, nativeStatusError("native.signal", status))
}

// onNativeChunk is called by libmediarec threads when a pull settles. The
// data pointer is only valid for the duration of the call; ResolveChunk
// copies before it returns.
func onNativeChunk(token uint64, status int32, data uintptr, size int32, ptsUs int64, kind int32) {
	if err := nativeStatusError("native.chunk", status); err != nil {
		ResolveChunk(token, nil, 0, ChunkDelta, err)
		return
	}
	var payload []byte
	if data != 0 && size > 0 {
		payload = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size))
	}
	ResolveChunk(token, payload, float64(ptsUs)/1e6, nativeChunkKind(kind), nil)
}

func nativeChunkKind(kind int32) ChunkKind {
	switch kind {
	case mediarecChunkKey:
		return ChunkKey
	case mediarecChunkMetadata:
		return ChunkMetadata
	default:
		return ChunkDelta
	}
}

// nativeStatusError maps a libmediarec status code to a package error, nil
// for mediarecOK.
func nativeStatusError(op string, status int32) error {
	switch status {
	case mediarecOK:
		return nil
	case mediarecErrorNoMem:
		return errOpf(op, "libmediarec out of memory")
	case mediarecErrorInvalid:
		return errOpf(op, "libmediarec rejected arguments: %s", nativeLastError())
	case mediarecErrorCodec:
		return errOpf(op, "codec failure: %s", nativeLastError())
	default:
		return errOpf(op, "libmediarec error %d: %s", status, nativeLastError())
	}
}

func nativeLastError() string {
	if mediarecLastError == nil {
		return "unknown"
	}
	msg := goStringFromPtr(mediarecLastError())
	if msg == "" {
		return "unknown"
	}
	return msg
}

type nativeBackend struct{}

func (b *nativeBackend) Name() string { return NativeBackendName }

func (b *nativeBackend) Available() bool {
	if err := loadMediarec(); err != nil {
		return false
	}
	return mediarecAvailable() == 1
}

func (b *nativeBackend) OpenVideoSession(opts VideoEncoderOptions, pool *SharedBufferPool, rt *Runtime) (VideoSession, error) {
	if err := loadMediarec(); err != nil {
		return nil, err
	}
	handle := mediarecVideoCreate(
		int32(opts.Width), int32(opts.Height),
		int32(opts.FPS), int32(opts.BitrateBps/1000),
	)
	if handle == 0 {
		return nil, errInitf("backend.native", "video encoder create failed: %s", nativeLastError())
	}
	return &nativeVideoSession{handle: handle}, nil
}

func (b *nativeBackend) OpenAudioSession(opts AudioEncoderOptions, pool *SharedBufferPool, rt *Runtime) (AudioSession, error) {
	if err := loadMediarec(); err != nil {
		return nil, err
	}
	handle := mediarecAudioCreate(
		int32(opts.SampleRate), int32(opts.Channels),
		int32(opts.BitrateBps/1000),
	)
	if handle == 0 {
		return nil, errInitf("backend.native", "audio encoder create failed: %s", nativeLastError())
	}
	return &nativeAudioSession{handle: handle}, nil
}

// nativeVideoSession wraps one libmediarec video encoder handle. The library
// copies pushed payloads before the push call returns, so frames are not
// pinned across the asynchronous encode.
type nativeVideoSession struct {
	handle    uint64
	destroyed atomic.Bool
}

func (s *nativeVideoSession) PushFrame(frame *RawFrame, token uint64) error {
	if s.destroyed.Load() {
		return errDisposed("native.video.push")
	}
	status := mediarecVideoPush(
		s.handle,
		uintptr(unsafe.Pointer(&frame.Data[0])), int32(len(frame.Data)),
		int64(frame.PTS*1e6), token,
	)
	runtime.KeepAlive(frame)
	return nativeStatusError("native.video.push", status)
}

func (s *nativeVideoSession) PullChunk(token uint64) error {
	if s.destroyed.Load() {
		return errDisposed("native.video.pull")
	}
	return nativeStatusError("native.video.pull", mediarecVideoPull(s.handle, token))
}

func (s *nativeVideoSession) CompleteInput() error {
	if s.destroyed.Load() {
		return errDisposed("native.video.complete")
	}
	return nativeStatusError("native.video.complete", mediarecVideoCompleteInput(s.handle))
}

func (s *nativeVideoSession) Destroy() error {
	if s.destroyed.Swap(true) {
		return nil
	}
	mediarecVideoDestroy(s.handle)
	logrus.WithField("backend", NativeBackendName).Debug("video session destroyed")
	return nil
}

// nativeAudioSession wraps one libmediarec audio encoder handle.
type nativeAudioSession struct {
	handle    uint64
	destroyed atomic.Bool
}

func (s *nativeAudioSession) PushSamples(chunk *RawAudioChunk, token uint64) error {
	if s.destroyed.Load() {
		return errDisposed("native.audio.push")
	}
	status := mediarecAudioPush(
		s.handle,
		uintptr(unsafe.Pointer(&chunk.Data[0])), int32(len(chunk.Data)),
		chunk.SampleIndex, token,
	)
	runtime.KeepAlive(chunk)
	return nativeStatusError("native.audio.push", status)
}

func (s *nativeAudioSession) PullChunk(token uint64) error {
	if s.destroyed.Load() {
		return errDisposed("native.audio.pull")
	}
	return nativeStatusError("native.audio.pull", mediarecAudioPull(s.handle, token))
}

func (s *nativeAudioSession) CompleteInput() error {
	if s.destroyed.Load() {
		return errDisposed("native.audio.complete")
	}
	return nativeStatusError("native.audio.complete", mediarecAudioCompleteInput(s.handle))
}

func (s *nativeAudioSession) Destroy() error {
	if s.destroyed.Swap(true) {
		return nil
	}
	mediarecAudioDestroy(s.handle)
	logrus.WithField("backend", NativeBackendName).Debug("audio session destroyed")
	return nil
}
