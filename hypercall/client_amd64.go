package hypercall

// rawCall executes the trapping instruction with the call frame loaded.
// Running it anywhere but under the engine raises an undefined-opcode
// fault, which is the intended behavior for unaware hardware.
//
//go:noescape
func rawCall(ax, cx, dx, r8, r9 uint64) (retAX, retDX uint64)

// Ping verifies the channel and returns the protocol version.
func Ping() (uint64, error) {
	status, version := rawCall(Signature, uint64(CmdPing), 0, 0, 0)
	if err := statusErr(Status(status)); err != nil {
		return 0, err
	}

	return version, nil
}

// InstallHook asks the engine to hook page, sourcing the shadow content
// from the guest-physical page at shadowSrc.
func InstallHook(page, shadowSrc uint64) error {
	status, _ := rawCall(Signature, uint64(CmdInstallHook), page, shadowSrc, 0)

	return statusErr(Status(status))
}

// RemoveHook asks the engine to disarm the hook on page.
func RemoveHook(page uint64) error {
	status, _ := rawCall(Signature, uint64(CmdRemoveHook), page, 0, 0)

	return statusErr(Status(status))
}

// Counter reads one engine statistic.
func Counter(id CounterID) (uint64, error) {
	status, value := rawCall(Signature, uint64(CmdCounter), uint64(id), 0, 0)
	if err := statusErr(Status(status)); err != nil {
		return 0, err
	}

	return value, nil
}

// Terminate asks the engine to unwind the current core.
func Terminate() error {
	status, _ := rawCall(Signature, uint64(CmdTerminate), 0, 0, 0)

	return statusErr(Status(status))
}
