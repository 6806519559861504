//go:build whispercpp

package engine

/*
#cgo LDFLAGS: -lwhisper -lstdc++ -lm
#include <stdlib.h>
#include <whisper.h>
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

// NativeAvailable reports whether whisper.cpp is linked into the binary.
func NativeAvailable() bool { return true }

// Native opens whisper.cpp contexts through cgo.
type Native struct{}

// NewNative returns the cgo backend.
func NewNative() *Native { return &Native{} }

func (n *Native) Name() string { return "native" }

func (n *Native) Open(modelPath string) (Model, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path required")
	}
	cPath, release := cString(modelPath)
	defer release()

	cParams := C.whisper_context_default_params()
	ctx := C.whisper_init_from_file_with_params(cPath, cParams)
	if ctx == nil {
		return nil, fmt.Errorf("whisper: failed to initialise context for %s", modelPath)
	}
	return &nativeModel{ctx: ctx}, nil
}

type nativeModel struct {
	ctx *C.struct_whisper_context
}

func (m *nativeModel) Full(params Params, samples []float32) int {
	if m.ctx == nil || len(samples) == 0 {
		return statusExecFailed
	}

	strategy := C.enum_whisper_sampling_strategy(C.WHISPER_SAMPLING_GREEDY)
	if params.Strategy == SamplingBeamSearch {
		strategy = C.WHISPER_SAMPLING_BEAM_SEARCH
	}
	cParams := C.whisper_full_default_params(strategy)
	cParams.translate = C.bool(params.Translate)
	cParams.no_context = C.bool(params.NoContext)
	cParams.single_segment = C.bool(params.SingleSegment)
	cParams.print_realtime = C.bool(params.PrintRealtime)
	cParams.print_progress = C.bool(params.PrintProgress)
	cParams.print_timestamps = C.bool(params.PrintTimestamps)
	cParams.print_special = C.bool(params.PrintSpecial)
	if params.Threads > 0 {
		cParams.n_threads = C.int(params.Threads)
	}

	// The language string must outlive whisper_full.
	cLang, release := cString(params.Language)
	defer release()
	cParams.language = cLang

	return int(C.whisper_full(m.ctx, cParams, (*C.float)(unsafe.Pointer(&samples[0])), C.int(len(samples))))
}

func (m *nativeModel) NumSegments() int {
	if m.ctx == nil {
		return 0
	}
	return int(C.whisper_full_n_segments(m.ctx))
}

func (m *nativeModel) SegmentText(i int) string {
	if m.ctx == nil {
		return ""
	}
	text := C.whisper_full_get_segment_text(m.ctx, C.int(i))
	if text == nil {
		return ""
	}
	return C.GoString(text)
}

func (m *nativeModel) Close() error {
	if m.ctx != nil {
		C.whisper_free(m.ctx)
		m.ctx = nil
	}
	return nil
}

// cString copies s into C memory and returns the function that frees it.
func cString(s string) (*C.char, func()) {
	p := C.CString(s)
	return p, func() { C.free(unsafe.Pointer(p)) }
}
