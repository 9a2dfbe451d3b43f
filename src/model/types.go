// Package model holds the shared records and error kinds for the session
// and executor fabric. Nothing here owns a lock or a lifecycle — that
// belongs to the store and the managers that mutate these values.
package model

import "time"

// Mode distinguishes a plain terminal session from a rich (AI assistant) one.
type Mode string

const (
	ModeTerminal Mode = "terminal"
	ModeRich     Mode = "rich"
)

// ExecutorStatus tracks whether an executor's control connection is up.
type ExecutorStatus string

const (
	ExecutorOnline    ExecutorStatus = "online"
	ExecutorOffline   ExecutorStatus = "offline"
	ExecutorUpgrading ExecutorStatus = "upgrading"
)

// LocalExecutorID is the reserved executor id for sessions placed on the
// control-plane host itself rather than a remote agent.
const LocalExecutorID = "local"

// LocalOwnerID is the principal used when AUTH_DISABLED collapses every
// caller to a single dev-mode owner.
const LocalOwnerID = "local"

// Session is a durable record of a terminal or rich session. It is owned
// and mutated exclusively by the Session Manager; the store only persists
// whatever it is handed.
type Session struct {
	Name         string
	Description  string
	Mode         Mode
	Command      string
	ExecutorID   string
	OwnerID      string
	ParentName   *string
	JobPrompt    *string
	OrderIndex   int64
	CreatedAt    time.Time
	LastActivity time.Time

	// Alive is derived at read time (TMA.Exists / executor inventory), not
	// persisted.
	Alive bool
}

// BackingName is the name of the emulator session on the placement host:
// "name" for terminal sessions, "rich-name" for rich ones.
func (s *Session) BackingName() string {
	if s.Mode == ModeRich {
		return "rich-" + s.Name
	}
	return s.Name
}

// Executor is a durable record of a remote agent, inserted on first
// handshake and kept around across offline periods for operator history.
type Executor struct {
	ID           string
	Name         string
	Labels       []string
	Status       ExecutorStatus
	Version      string
	LastSeen     time.Time
	SessionCount int
}

// ExecutorKey is an issued credential for an agent to authenticate its
// control connection. Only the hash is ever persisted; the plaintext token
// is returned once at issuance time and never again.
type ExecutorKey struct {
	ID           string
	OwnerID      string
	Name         string
	Prefix       string
	HashedToken  string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// ConfigEntry is one (owner, key) -> value pair. The set of recognized
// keys is enforced at the HTTP layer, not here.
type ConfigEntry struct {
	OwnerID string
	Key     string
	Value   string
}

// RecognizedConfigKeys is the allow-list enforced by the HTTP layer on
// writes to /api/config.
var RecognizedConfigKeys = map[string]bool{
	"theme":      true,
	"mode":       true,
	"font":       true,
	"richFont":   true,
	"fontSize":   true,
	"showHints":  true,
	"shortcuts":  true,
	"forkHooks":  true,
}
