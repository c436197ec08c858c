// Package contracts defines the pluggable boundaries between the automation
// engine and its external collaborators: the cadence service, the device
// token service, the push transport, the audience read model, and the
// archive backend behind the execution ledger.
//
// The engine ships concrete default implementations for the cadence
// service, token service and push transport (internal/cadence,
// internal/tokensvc, internal/transport); it ships no audience reader
// and no archive driver (internal/ledger keeps the ledger in bbolt on
// its own). An operator wiring a different backend only needs to
// satisfy the interface here, not touch engine internals.
package contracts

import (
	"context"
	"time"
)

// ── Cadence Gateway ─────────────────────────────────────

// FilterResult is the outcome of a cadence filter call.
type FilterResult struct {
	EligibleUserIDs []string
	ExcludedCount   int
	Degraded        bool // true when the gateway fell back to fail-open
}

// CadenceClient is the boundary to the external cadence service.
type CadenceClient interface {
	// Filter excludes users who have recently received a push at layerID.
	// On failure it fails open: returns the input as eligible with Degraded=true.
	Filter(ctx context.Context, userIDs []string, layerID int) (FilterResult, error)

	// Track records that a user received a push at layerID, carrying the
	// push content and a description of the audience it went to.
	// Best-effort.
	Track(ctx context.Context, userID string, layerID int, pushTitle, pushBody, audienceDescription string) error
}

// ── Token Service ─────────────────────────────────────

// DeviceToken is one push token belonging to a user.
type DeviceToken struct {
	UserID string
	Token  string
}

// TokenServiceClient fetches device push tokens for a set of users.
type TokenServiceClient interface {
	FetchDeviceTokens(ctx context.Context, userIDs []string) ([]DeviceToken, error)
}

// ── Push Transport ────────────────────────────────

// BatchResult is the per-batch outcome of a transport submit call.
type BatchResult struct {
	SuccessCount int
	FailedTokens []string
}

// RenderedMessage is one (title, body, deep-link) triple shared by a batch.
type RenderedMessage struct {
	Title    string
	Body     string
	DeepLink string
	ImageURL string
}

// TransportClient submits a batch of tokens for one rendered message.
type TransportClient interface {
	SendBatch(ctx context.Context, message RenderedMessage, tokens []string) (BatchResult, error)
}

// ── Audience Reader (inline, non-script criteria) ────────────

// AudienceReader resolves inline audience criteria against the analytics
// read model. Out of scope for this engine; only the seam is
// specified so a concrete reader can be wired in.
type AudienceReader interface {
	Resolve(ctx context.Context, filter map[string]string, maxRows int) ([]string, error)
}

// ── Audience Script Runner ──────────────────────────────

// ScriptRunResult is the outcome of invoking one audience script.
type ScriptRunResult struct {
	ArtifactPaths []string
	ExitCode      int
}

// AudienceScriptRunner launches an external audience script under a
// timeout and streams its stdout/stderr into the caller's sink.
type AudienceScriptRunner interface {
	Run(ctx context.Context, scriptName string, params map[string]string, timeout time.Duration, onOutput func(stream, line string)) (ScriptRunResult, error)
}

// ── Alert Driver ──────────────────────────────────────────────

// AlertEvent is an operator-facing notification (divergence, safeguard,
// overload-dropped, etc).
type AlertEvent struct {
	Type      string
	RecipeID  string
	FiringID  string
	Message   string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// AlertDriver delivers an AlertEvent to an operator-facing channel.
// The engine ships alert.WebhookDriver; additional channels (Slack, email)
// can register against this interface without touching engine internals.
type AlertDriver interface {
	Send(ctx context.Context, event AlertEvent) error
}

// ── Archive Driver (ledger history, optional) ────────────────

// ArchiveDriver writes completed ledger entries to a durable archive once
// they are no longer needed for double-firing suppression. The engine's
// bbolt-backed ledger does not require one; this seam exists so an
// operator can keep long-term history outside the engine's hot path.
type ArchiveDriver interface {
	Kind() string
	ArchiveLedgerEntries(ctx context.Context, recipeID string, entries []LedgerEntrySnapshot) (uri string, err error)
	HealthCheck(ctx context.Context) error
}

// LedgerEntrySnapshot is the archive-facing shape of a ledger row.
type LedgerEntrySnapshot struct {
	RecipeID         string
	LastFiredInstant time.Time
	Outcome          string
}
