package cfi

import (
	"github.com/OneOfOne/xxhash"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/wasm-agent/errors"
	"go.uber.org/zap"
)

// Policy selects the response to a violation.
type Policy uint8

const (
	// PolicyReturnError fails the current call; the layer stays usable.
	PolicyReturnError Policy = iota
	// PolicyTerminate fails the current call and rejects further calls
	// until Reset.
	PolicyTerminate
	// PolicyLogAndContinue is not honoured: violations are never ignored,
	// so it is treated as PolicyReturnError.
	PolicyLogAndContinue
	// PolicyAttemptRecovery unwinds the shadow stack to the violating
	// entry and fails the current call.
	PolicyAttemptRecovery
)

var policyNames = [...]string{
	PolicyReturnError:     "return-error",
	PolicyTerminate:       "terminate",
	PolicyLogAndContinue:  "log-and-continue",
	PolicyAttemptRecovery: "attempt-recovery",
}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

// ParsePolicy maps a policy name to a Policy.
func ParsePolicy(s string) (Policy, bool) {
	for i, name := range policyNames {
		if name == s {
			return Policy(i), true
		}
	}
	return 0, false
}

// Violation classifies a failed check.
type Violation uint8

const (
	ShadowStackMismatch Violation = iota
	ShadowStackOverflow
	ShadowStackUnderflow
	MissingLandingPad
	InvalidLandingPad
	SignatureMismatch
	Terminated
)

var violationNames = [...]string{
	ShadowStackMismatch:  "shadow stack mismatch",
	ShadowStackOverflow:  "shadow stack overflow",
	ShadowStackUnderflow: "shadow stack underflow",
	MissingLandingPad:    "missing landing pad",
	InvalidLandingPad:    "invalid landing pad",
	SignatureMismatch:    "signature mismatch",
	Terminated:           "terminated by earlier violation",
}

func (v Violation) String() string {
	if int(v) < len(violationNames) {
		return violationNames[v]
	}
	return "unknown violation"
}

// DefaultShadowStackDepth is used when Config.ShadowStackDepth is zero.
const DefaultShadowStackDepth = 1024

// Config controls the layer. CallFuelCost is extra fuel charged per
// protected call.
type Config struct {
	Policy           Policy
	ShadowStackDepth int
	CallFuelCost     uint64
	Enabled          bool
	LandingPads      bool
}

// DefaultConfig enables shadow stack and landing pad checks.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Policy:           PolicyReturnError,
		ShadowStackDepth: DefaultShadowStackDepth,
		LandingPads:      true,
	}
}

// CallSite describes one call edge. ReturnAddress is the caller's resume
// position and StackPointer its operand height at the call.
type CallSite struct {
	Signature     uint64
	Caller        uint32
	Callee        uint32
	ReturnAddress uint32
	StackPointer  uint32
}

// ShadowEntry is one protected return site.
type ShadowEntry struct {
	SignatureHash uint64
	ReturnAddress uint32
	StackPointer  uint32
	FunctionIndex uint32
	CallSiteID    uint32
}

type landingPad struct {
	signature     uint64
	functionIndex uint32
	callSiteID    uint32
}

// Metrics counts checks performed by a layer.
type Metrics struct {
	Checks               uint64
	Violations           uint64
	LandingPadsValidated uint64
	ReturnsProtected     uint64
	MaxDepth             int
}

// SignatureHash hashes a core function signature.
func SignatureHash(params, results []api.ValueType) uint64 {
	buf := make([]byte, 0, len(params)+len(results)+1)
	buf = append(buf, params...)
	buf = append(buf, 0x60)
	buf = append(buf, results...)
	return xxhash.Checksum64(buf)
}

// Layer tracks the shadow stack of one agent. Not safe for concurrent use.
type Layer struct {
	log        *zap.Logger
	shadow     []ShadowEntry
	pads       []landingPad
	cfg        Config
	metrics    Metrics
	nextSite   uint32
	terminated bool
}

// NewLayer creates a layer. A LogAndContinue policy is downgraded to
// ReturnError with a warning.
func NewLayer(cfg Config, log *zap.Logger) *Layer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Policy == PolicyLogAndContinue {
		log.Warn("cfi violations cannot be ignored, using return-error policy",
			zap.Stringer("requested", cfg.Policy))
		cfg.Policy = PolicyReturnError
	}
	if cfg.ShadowStackDepth <= 0 {
		cfg.ShadowStackDepth = DefaultShadowStackDepth
	}
	return &Layer{
		log:    log,
		cfg:    cfg,
		shadow: make([]ShadowEntry, 0, 16),
	}
}

// Config returns the effective configuration.
func (l *Layer) Config() Config { return l.cfg }

// Enabled reports whether checks run.
func (l *Layer) Enabled() bool { return l.cfg.Enabled }

func (l *Layer) violation(kind Violation, format string, args ...any) error {
	l.metrics.Violations++
	if l.cfg.Policy == PolicyTerminate {
		l.terminated = true
	}
	err := errors.ControlFlowViolation(kind.String()+": "+format, args...)
	err.Value = kind.String()
	l.log.Warn("control flow violation",
		zap.Stringer("violation", kind),
		zap.Stringer("policy", l.cfg.Policy),
		zap.Int("depth", len(l.shadow)),
		zap.Error(err))
	return err
}

// EnterCall records a call edge and returns its call-site id.
func (l *Layer) EnterCall(site CallSite) (uint32, error) {
	if !l.cfg.Enabled {
		return 0, nil
	}
	if l.terminated {
		return 0, l.violation(Terminated, "call to function %d rejected", site.Callee)
	}
	l.metrics.Checks++
	if len(l.shadow) >= l.cfg.ShadowStackDepth {
		return 0, l.violation(ShadowStackOverflow, "depth %d reached calling function %d", l.cfg.ShadowStackDepth, site.Callee)
	}

	l.nextSite++
	id := l.nextSite
	l.shadow = append(l.shadow, ShadowEntry{
		SignatureHash: site.Signature,
		ReturnAddress: site.ReturnAddress,
		StackPointer:  site.StackPointer,
		FunctionIndex: site.Callee,
		CallSiteID:    id,
	})
	if len(l.shadow) > l.metrics.MaxDepth {
		l.metrics.MaxDepth = len(l.shadow)
	}
	if l.cfg.LandingPads {
		l.pads = append(l.pads, landingPad{
			signature:     site.Signature,
			functionIndex: site.Callee,
			callSiteID:    id,
		})
	}
	return id, nil
}

// CheckLanding validates the entry of function funcIndex, whose actual
// signature hash is signature, against the pending expectation.
func (l *Layer) CheckLanding(funcIndex uint32, signature uint64) error {
	if !l.cfg.Enabled || !l.cfg.LandingPads {
		return nil
	}
	l.metrics.Checks++
	n := len(l.pads)
	if n == 0 {
		return l.violation(MissingLandingPad, "entry of function %d without a call", funcIndex)
	}
	pad := l.pads[n-1]
	l.pads = l.pads[:n-1]

	if pad.functionIndex != funcIndex {
		return l.violation(InvalidLandingPad, "call site %d expected function %d, entered %d", pad.callSiteID, pad.functionIndex, funcIndex)
	}
	if pad.signature != signature {
		return l.violation(SignatureMismatch, "call site %d signature %#x, function %d has %#x", pad.callSiteID, pad.signature, funcIndex, signature)
	}
	l.metrics.LandingPadsValidated++
	return nil
}

// CheckIndirect compares the type an indirect call site expects with the
// signature of the function the table resolved to, before the call takes
// its arguments. It only reports when landing pads are checked; otherwise
// a mismatch is left to the caller.
func (l *Layer) CheckIndirect(callee uint32, expected, actual uint64) error {
	if !l.cfg.Enabled || !l.cfg.LandingPads || expected == actual {
		return nil
	}
	if l.terminated {
		return l.violation(Terminated, "call to function %d rejected", callee)
	}
	l.metrics.Checks++
	return l.violation(SignatureMismatch, "indirect call expects %#x, function %d has %#x", expected, callee, actual)
}

// Return validates a return from site.Callee to the recorded return site.
func (l *Layer) Return(site CallSite) error {
	if !l.cfg.Enabled {
		return nil
	}
	l.metrics.Checks++
	n := len(l.shadow)
	if n == 0 {
		return l.violation(ShadowStackUnderflow, "return from function %d", site.Callee)
	}
	top := l.shadow[n-1]
	l.shadow = l.shadow[:n-1]

	if top.FunctionIndex != site.Callee || top.ReturnAddress != site.ReturnAddress || top.StackPointer != site.StackPointer {
		if l.cfg.Policy == PolicyAttemptRecovery {
			l.pads = l.pads[:0]
		}
		return l.violation(ShadowStackMismatch,
			"call site %d recorded (func %d, ret %d, sp %d), got (func %d, ret %d, sp %d)",
			top.CallSiteID, top.FunctionIndex, top.ReturnAddress, top.StackPointer,
			site.Callee, site.ReturnAddress, site.StackPointer)
	}
	l.metrics.ReturnsProtected++
	return nil
}

// Depth returns the shadow stack depth.
func (l *Layer) Depth() int { return len(l.shadow) }

// Metrics returns a copy of the counters.
func (l *Layer) Metrics() Metrics { return l.metrics }

// Unwind drops shadow entries above depth, used when frames are discarded
// by a trap.
func (l *Layer) Unwind(depth int) {
	if depth < 0 {
		depth = 0
	}
	if depth < len(l.shadow) {
		l.shadow = l.shadow[:depth]
	}
	l.pads = l.pads[:0]
}

// Snapshot copies the shadow stack for suspension.
func (l *Layer) Snapshot() []ShadowEntry {
	out := make([]ShadowEntry, len(l.shadow))
	copy(out, l.shadow)
	return out
}

// Restore replaces the shadow stack with a snapshot.
func (l *Layer) Restore(entries []ShadowEntry) {
	l.shadow = append(l.shadow[:0], entries...)
	l.pads = l.pads[:0]
}

// Reset clears the stacks and a terminated state. Metrics are kept.
func (l *Layer) Reset() {
	l.shadow = l.shadow[:0]
	l.pads = l.pads[:0]
	l.terminated = false
}
