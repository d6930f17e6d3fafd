package kernel

import "errors"

// Error taxonomy: identity, authorization, lifecycle, consistency.
// Every administrative action and permissioned entry point fails with
// one of these (wrapped with context) and leaves state untouched.
var (
	// Identity errors.
	ErrUnknownTarget   = errors.New("kernel: target address does not resolve")
	ErrInvalidTarget   = errors.New("kernel: target is not usable for this action")
	ErrModuleInstalled = errors.New("kernel: keycode already installed")

	// Authorization errors.
	ErrNotExecutor     = errors.New("kernel: caller is not the executor")
	ErrNotPermitted    = errors.New("kernel: permission not granted")
	ErrUntrustedKernel = errors.New("kernel: call from untrusted kernel")

	// Lifecycle errors.
	ErrModuleNotInstalled = errors.New("kernel: module not installed")
	ErrModuleInUse        = errors.New("kernel: module has active dependents")
	ErrPolicyActive       = errors.New("kernel: policy already active")
	ErrPolicyNotActive    = errors.New("kernel: policy not active")
	ErrKernelRetired      = errors.New("kernel: kernel has been migrated")

	// Consistency errors.
	ErrActionInProgress = errors.New("kernel: administrative action already in progress")
	ErrRefreshFailed    = errors.New("kernel: dependent refresh failed")
	ErrInitFailed       = errors.New("kernel: module init failed")
)
