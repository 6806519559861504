//go:build !whispercpp

package engine

// NativeAvailable reports whether whisper.cpp is linked into the binary.
func NativeAvailable() bool { return false }

// Native is a placeholder that fails every Open when whisper.cpp is not linked.
type Native struct{}

// NewNative returns the placeholder backend.
func NewNative() *Native { return &Native{} }

func (n *Native) Name() string { return "native" }

func (n *Native) Open(string) (Model, error) { return nil, ErrNativeUnavailable }
