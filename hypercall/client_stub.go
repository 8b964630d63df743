//go:build !amd64

package hypercall

// The channel rides an amd64-only instruction; other architectures get the
// unsupported error without touching hardware.

func Ping() (uint64, error)              { return 0, ErrUnsupported }
func InstallHook(page, src uint64) error { return ErrUnsupported }
func RemoveHook(page uint64) error       { return ErrUnsupported }
func Counter(id CounterID) (uint64, error) {
	return 0, ErrUnsupported
}
func Terminate() error { return ErrUnsupported }
