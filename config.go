package x402

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FacilitatorMode selects how payments are verified and settled.
type FacilitatorMode string

const (
	// ModeLocal verifies and settles directly against the chain using a
	// locally held signer key and RPC endpoint.
	ModeLocal FacilitatorMode = "local"

	// ModeRemote delegates both operations to an HTTP facilitator service.
	ModeRemote FacilitatorMode = "remote"

	// ModeHybrid verifies locally (no round trip on the hot path) and
	// settles remotely (no local key custody for fund movement).
	ModeHybrid FacilitatorMode = "hybrid"
)

// SettlePolicy decides what an adapter does when settlement fails after the
// protected handler already produced a success response.
type SettlePolicy string

const (
	// SettleBlockOnFailure replaces the success response with a 402.
	SettleBlockOnFailure SettlePolicy = "block-on-failure"

	// SettleLogAndContinue lets the original response through and only
	// reports the failure to the logger and event callback.
	SettleLogAndContinue SettlePolicy = "log-and-continue"
)

// Defaults applied by Validate and FromEnv.
const (
	DefaultPrivateKeyEnv     = "X402_SIGNER_KEY"
	DefaultRPCURLEnv         = "X402_RPC_URL"
	DefaultMaxTimeoutSeconds = 60
	DefaultMimeType          = "application/json"
	DefaultRemoteTimeout     = 20 * time.Second
	DefaultReplayCacheSize   = 4096
)

// LocalConfig configures the self-hosted facilitator. Key material is never
// stored in the config itself; only the names of the environment variables
// holding it are.
type LocalConfig struct {
	// PrivateKeyEnv names the environment variable holding the signer key.
	PrivateKeyEnv string

	// RPCURLEnv names the environment variable holding the RPC endpoint.
	RPCURLEnv string

	// VerifyBalance enables a payer balance pre-check during verification.
	VerifyBalance bool

	// SimulateBeforeSend enables transaction simulation before broadcast.
	SimulateBeforeSend bool

	// WaitForReceipt blocks settlement until a confirmation is observed.
	WaitForReceipt bool
}

// RemoteConfig configures the HTTP facilitator service client.
type RemoteConfig struct {
	// URL is the base URL of the facilitator service.
	URL string

	// Headers are sent with every facilitator request.
	Headers map[string]string

	// Timeout is the hard ceiling on a single facilitator round trip.
	Timeout time.Duration
}

// Config is the validated, immutable gate configuration. Construct one, call
// Validate, and never mutate it afterwards; reconfiguration means building a
// new instance (and a new gate).
type Config struct {
	// Network is the settlement network identifier. Required.
	Network string

	// Price is the per-request price, e.g. "$0.01". Required.
	Price string

	// PayTo is the payment recipient address. Required.
	PayTo string

	// ProtectedPaths are glob patterns for paths requiring payment.
	// Defaults to ["*"] (everything).
	ProtectedPaths []string

	// Mode selects the facilitator variant. Defaults to ModeLocal.
	Mode FacilitatorMode

	// Description is a human-readable description of the paid resource.
	Description string

	// MimeType is the expected response content type.
	MimeType string

	// MaxTimeoutSeconds is the validity window for payment authorizations.
	MaxTimeoutSeconds int

	// Discoverable marks the resource for x402 discovery listings.
	Discoverable bool

	// SettlePolicy is applied by adapters on settlement failure.
	SettlePolicy SettlePolicy

	// ReplayCacheEnabled turns on the settlement idempotency cache.
	ReplayCacheEnabled bool

	// ReplayCacheSize bounds the idempotency cache. Least-recently-used
	// entries are evicted past this size.
	ReplayCacheSize int

	// Local configures the local facilitator; required defaults are filled
	// in for local and hybrid modes when nil.
	Local *LocalConfig

	// Remote configures the remote facilitator; required for remote and
	// hybrid modes.
	Remote *RemoteConfig
}

// Validate fills defaults and checks invariants. It must be called (directly
// or via gate construction) before the config is used; a non-nil error is
// fatal and must prevent the gate from starting.
func (c *Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("%w: network is required", ErrInvalidConfig)
	}
	if c.Price == "" {
		return fmt.Errorf("%w: price is required", ErrInvalidConfig)
	}
	if c.PayTo == "" {
		return fmt.Errorf("%w: pay-to address is required", ErrInvalidConfig)
	}

	if len(c.ProtectedPaths) == 0 {
		c.ProtectedPaths = []string{"*"}
	}
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.MimeType == "" {
		c.MimeType = DefaultMimeType
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if c.SettlePolicy == "" {
		c.SettlePolicy = SettleBlockOnFailure
	}
	if c.ReplayCacheSize <= 0 {
		c.ReplayCacheSize = DefaultReplayCacheSize
	}

	switch c.Mode {
	case ModeLocal:
		if c.Local == nil {
			c.Local = defaultLocalConfig()
		}
	case ModeRemote:
		if c.Remote == nil {
			return fmt.Errorf("%w: remote facilitator config required for mode %q", ErrInvalidConfig, c.Mode)
		}
	case ModeHybrid:
		if c.Local == nil {
			c.Local = defaultLocalConfig()
		}
		if c.Remote == nil {
			return fmt.Errorf("%w: remote facilitator config required for mode %q", ErrInvalidConfig, c.Mode)
		}
	default:
		return fmt.Errorf("%w: facilitator mode must be local, remote or hybrid, got %q", ErrInvalidConfig, c.Mode)
	}

	if c.Local != nil {
		if c.Local.PrivateKeyEnv == "" {
			c.Local.PrivateKeyEnv = DefaultPrivateKeyEnv
		}
		if c.Local.RPCURLEnv == "" {
			c.Local.RPCURLEnv = DefaultRPCURLEnv
		}
	}
	if c.Remote != nil {
		if c.Remote.URL == "" {
			return fmt.Errorf("%w: remote facilitator URL is required", ErrInvalidConfig)
		}
		if c.Remote.Timeout <= 0 {
			c.Remote.Timeout = DefaultRemoteTimeout
		}
	}

	switch c.SettlePolicy {
	case SettleBlockOnFailure, SettleLogAndContinue:
	default:
		return fmt.Errorf("%w: settle policy must be %q or %q, got %q",
			ErrInvalidConfig, SettleBlockOnFailure, SettleLogAndContinue, c.SettlePolicy)
	}

	return nil
}

func defaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		PrivateKeyEnv:      DefaultPrivateKeyEnv,
		RPCURLEnv:          DefaultRPCURLEnv,
		SimulateBeforeSend: true,
	}
}

// FromEnv builds a validated Config from environment variables with the
// given prefix (e.g. "X402_"). A .env file in the working directory is
// loaded first when present.
//
// Required: {prefix}NETWORK, {prefix}PRICE, {prefix}PAY_TO_ADDRESS.
// Optional: {prefix}PROTECTED_PATHS (comma-separated), {prefix}FACILITATOR_MODE,
// {prefix}DESCRIPTION, {prefix}MIME_TYPE, {prefix}MAX_TIMEOUT_SECONDS,
// {prefix}DISCOVERABLE, {prefix}SETTLE_POLICY, {prefix}REPLAY_CACHE_ENABLED,
// {prefix}FACILITATOR_URL (switches on remote configuration).
func FromEnv(prefix string) (*Config, error) {
	// Ignore a missing .env; real environments set variables directly.
	_ = godotenv.Load()

	network := os.Getenv(prefix + "NETWORK")
	price := os.Getenv(prefix + "PRICE")
	payTo := os.Getenv(prefix + "PAY_TO_ADDRESS")

	var missing []string
	if network == "" {
		missing = append(missing, prefix+"NETWORK")
	}
	if price == "" {
		missing = append(missing, prefix+"PRICE")
	}
	if payTo == "" {
		missing = append(missing, prefix+"PAY_TO_ADDRESS")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required environment variables: %s",
			ErrInvalidConfig, strings.Join(missing, ", "))
	}

	cfg := &Config{
		Network:            network,
		Price:              price,
		PayTo:              payTo,
		Mode:               FacilitatorMode(getenvDefault(prefix+"FACILITATOR_MODE", string(ModeLocal))),
		Description:        os.Getenv(prefix + "DESCRIPTION"),
		MimeType:           getenvDefault(prefix+"MIME_TYPE", DefaultMimeType),
		Discoverable:       envBool(prefix+"DISCOVERABLE", true),
		SettlePolicy:       SettlePolicy(getenvDefault(prefix+"SETTLE_POLICY", string(SettleBlockOnFailure))),
		ReplayCacheEnabled: envBool(prefix+"REPLAY_CACHE_ENABLED", false),
	}

	if v := os.Getenv(prefix + "PROTECTED_PATHS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.ProtectedPaths = append(cfg.ProtectedPaths, p)
			}
		}
	}

	if v := os.Getenv(prefix + "MAX_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %sMAX_TIMEOUT_SECONDS: %v", ErrInvalidConfig, prefix, err)
		}
		cfg.MaxTimeoutSeconds = n
	}

	if u := os.Getenv(prefix + "FACILITATOR_URL"); u != "" {
		cfg.Remote = &RemoteConfig{URL: u}
		if v := os.Getenv(prefix + "FACILITATOR_TIMEOUT_SECONDS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %sFACILITATOR_TIMEOUT_SECONDS: %v", ErrInvalidConfig, prefix, err)
			}
			cfg.Remote.Timeout = time.Duration(n) * time.Second
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}
