package failure

import "errors"

// Sentinel errors for every failure class the bootstrap can end in.
// Components wrap them with fmt.Errorf("%w: ...") so that callers can
// classify with errors.Is while keeping the detailed cause in the message.
var (
	// ErrConfiguration is a missing or invalid required setting.
	ErrConfiguration = errors.New("configuration error")
	// ErrDependencyMissing is a required external tool that is not installed.
	ErrDependencyMissing = errors.New("required dependency missing")
	// ErrUsage is returned when no subcommand was given.
	ErrUsage = errors.New("no subcommand given")
	// ErrArgumentParse is a command line that could not be parsed.
	ErrArgumentParse = errors.New("argument parse error")
	// ErrAddressResolution means no local address could be determined.
	ErrAddressResolution = errors.New("address resolution failed")
	// ErrDiscoveryUnavailable means the discovery registry could not be queried.
	ErrDiscoveryUnavailable = errors.New("discovery registry unavailable")
	// ErrStructuredParse is structured output that could not be decoded.
	ErrStructuredParse = errors.New("structured output parse error")
	// ErrDatabaseUnreachable means the database could not be contacted at all.
	ErrDatabaseUnreachable = errors.New("database unreachable")
	// ErrProbeTimeout is returned by a readiness probe whose deadline elapsed.
	ErrProbeTimeout = errors.New("readiness probe timed out")
	// ErrBootstrapTimeout means the database never became ready.
	ErrBootstrapTimeout = errors.New("database never became ready")
	// ErrRegistryTimeout means the node never became visible in the registry.
	ErrRegistryTimeout = errors.New("node never became visible in the registry")
	// ErrRoleApplication means initiating or joining the replica set was rejected.
	ErrRoleApplication = errors.New("role application failed")
	// ErrNotReady is returned by the one-shot check when the node is not replicating.
	ErrNotReady = errors.New("node is not ready")
)

// Process exit codes.
const (
	ExitOK                   = 0
	ExitDependencyMissing    = 1
	ExitArgumentParse        = 2
	ExitDiscoveryUnavailable = 3
	ExitStructuredParse      = 4
	ExitConfiguration        = 5
	ExitBootstrap            = 6
)

// ExitCode maps an error returned by a command to the process exit code.
// The first matching class wins, so an error that wraps several sentinels
// (a role application failure caused by unparseable output, say) reports
// the more specific one.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrArgumentParse):
		return ExitArgumentParse
	case errors.Is(err, ErrUsage), errors.Is(err, ErrDependencyMissing):
		return ExitDependencyMissing
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrAddressResolution):
		return ExitConfiguration
	case errors.Is(err, ErrDiscoveryUnavailable):
		return ExitDiscoveryUnavailable
	case errors.Is(err, ErrStructuredParse):
		return ExitStructuredParse
	default:
		return ExitBootstrap
	}
}
