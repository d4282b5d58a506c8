package wire

// Outbound events (agent -> server).
const (
	EventAuthenticate = "agent:authenticate"
	EventHeartbeat    = "agent:heartbeat"
	EventStatusReport = "agent:status_report"
	EventSpendRequest = "agent:spend_request"
)

// Inbound events (server -> agent).
const (
	EventAuthenticated = "server:authenticated"
	EventAuthError     = "server:auth_error"
	EventHeartbeatAck  = "server:heartbeat_ack"
	EventServerEvent   = "server:event"
	EventCommand       = "server:command"
	EventSpendApproved = "server:spend_approved"
	EventSpendDenied   = "server:spend_denied"
)

// WebSocket close codes used by the agent.
const (
	// CloseNormal is the standard normal-closure code used on shutdown.
	CloseNormal = 1000
	// CloseAuthFailed tells the server the agent gave up after an auth error
	// and will not reconnect.
	CloseAuthFailed = 4003
)

// Status is the lifecycle status carried by status reports.
type Status string

const (
	StatusOnline       Status = "online"
	StatusShuttingDown Status = "shutting_down"
)

// CommandName is an out-of-band command issued by the server.
type CommandName string

const (
	CommandPause        CommandName = "pause"
	CommandResume       CommandName = "resume"
	CommandUpdateConfig CommandName = "update_config"
	CommandShutdown     CommandName = "shutdown"
)

// Valid reports whether c is part of the command catalog.
func (c CommandName) Valid() bool {
	switch c {
	case CommandPause, CommandResume, CommandUpdateConfig, CommandShutdown:
		return true
	}
	return false
}

// SpendCategory classifies a spend request in the ledger.
type SpendCategory string

const (
	CategoryAPI        SpendCategory = "api"
	CategoryCompute    SpendCategory = "compute"
	CategoryContractor SpendCategory = "contractor"
	CategoryTransfer   SpendCategory = "transfer"
)

// Valid reports whether c is a known ledger category.
func (c SpendCategory) Valid() bool {
	switch c {
	case CategoryAPI, CategoryCompute, CategoryContractor, CategoryTransfer:
		return true
	}
	return false
}

// SpendRail is the payment rail a spend settles on.
type SpendRail string

const (
	RailCryptoOnchain SpendRail = "crypto_onchain"
	RailX402          SpendRail = "x402"
	RailInternal      SpendRail = "internal"
)

// Valid reports whether r is a known payment rail.
func (r SpendRail) Valid() bool {
	switch r {
	case RailCryptoOnchain, RailX402, RailInternal:
		return true
	}
	return false
}

// CurrencyUSDC is the only settlement currency.
const CurrencyUSDC = "USDC"
