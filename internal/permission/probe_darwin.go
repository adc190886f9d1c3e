//go:build darwin

package permission

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AVFoundation -framework CoreGraphics -framework Foundation

#import <AVFoundation/AVFoundation.h>
#import <CoreGraphics/CoreGraphics.h>

static int earshotMicAuthStatus(void) {
	return (int)[AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
}

static int earshotScreenCaptureAccess(void) {
	return CGPreflightScreenCaptureAccess() ? 1 : 0;
}
*/
import "C"

import "context"

// AVAuthorizationStatus values.
const (
	avAuthNotDetermined = 0
	avAuthRestricted    = 1
	avAuthDenied        = 2
	avAuthAuthorized    = 3
)

// SystemProber reads macOS TCC state. Microphone access maps directly from
// AVFoundation's authorization status; system audio rides on the screen
// capture capability, for which macOS only answers yes/no — a "no" cannot be
// told apart from "never asked", so it reports Unknown rather than Denied.
type SystemProber struct {
	probe func(ctx context.Context, cap Capability) bool
}

// Compile-time interface assertion.
var _ Prober = (*SystemProber)(nil)

// NewSystemProber creates the platform prober. The probe func implements
// [Prober.CanActuallyCapture]; pass [AdapterProbe] output, or nil to fall
// back to the reported flag.
func NewSystemProber(probe func(ctx context.Context, cap Capability) bool) *SystemProber {
	return &SystemProber{probe: probe}
}

// ReportedState implements [Prober].
func (p *SystemProber) ReportedState(cap Capability) State {
	switch cap {
	case CapMicrophone:
		switch int(C.earshotMicAuthStatus()) {
		case avAuthAuthorized:
			return StateGranted
		case avAuthDenied:
			return StateDenied
		case avAuthRestricted:
			return StateRestricted
		case avAuthNotDetermined:
			return StateNotDetermined
		default:
			return StateUnknown
		}
	case CapSystemAudio:
		if C.earshotScreenCaptureAccess() == 1 {
			return StateGranted
		}
		return StateUnknown
	default:
		return StateUnknown
	}
}

// CanActuallyCapture implements [Prober].
func (p *SystemProber) CanActuallyCapture(ctx context.Context, cap Capability) bool {
	if p.probe != nil {
		return p.probe(ctx, cap)
	}
	return p.ReportedState(cap) == StateGranted
}
