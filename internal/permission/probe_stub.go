//go:build !darwin

package permission

import "context"

// SystemProber is the non-darwin placeholder. These platforms expose no
// capture permission flag, so the reported state is always Unknown and the
// functional probe is the only trustworthy answer.
type SystemProber struct {
	probe func(ctx context.Context, cap Capability) bool
}

// Compile-time interface assertion.
var _ Prober = (*SystemProber)(nil)

// NewSystemProber creates the platform prober. The probe func implements
// [Prober.CanActuallyCapture]; pass [AdapterProbe] output, or nil.
func NewSystemProber(probe func(ctx context.Context, cap Capability) bool) *SystemProber {
	return &SystemProber{probe: probe}
}

// ReportedState implements [Prober].
func (p *SystemProber) ReportedState(Capability) State { return StateUnknown }

// CanActuallyCapture implements [Prober].
func (p *SystemProber) CanActuallyCapture(ctx context.Context, cap Capability) bool {
	if p.probe != nil {
		return p.probe(ctx, cap)
	}
	return false
}
