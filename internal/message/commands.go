package message

// ProtocolVersion is announced in CONNECT and REGISTER; peers with a
// different major version are refused.
const ProtocolVersion = "1"

// Command tokens understood across the cluster. Every daemon speaks the
// connection vocabulary; the lock vocabulary is only dispatched once a
// peer has sent LOCKREADY.
const (
	// Connection management.
	CmdConnect      = "CONNECT"
	CmdAccept       = "ACCEPT"
	CmdRefuse       = "REFUSE"
	CmdRegister     = "REGISTER"
	CmdUnregister   = "UNREGISTER"
	CmdCommands     = "COMMANDS"
	CmdHelp         = "HELP"
	CmdReady        = "READY"
	CmdStop         = "STOP"
	CmdQuitting     = "QUITTING"
	CmdDisconnected = "DISCONNECTED"
	CmdHangup       = "HANGUP"
	CmdPing         = "PING"
	CmdPong         = "PONG"
	CmdStatus       = "STATUS"
	CmdStatusReply  = "STATUSREPLY"
	CmdDebug        = "DEBUG"
	CmdUnknown      = "UNKNOWN"
	CmdInvalid      = "INVALID"

	// Client-facing lock operations.
	CmdLock       = "LOCK"
	CmdUnlock     = "UNLOCK"
	CmdLocked     = "LOCKED"
	CmdLockFailed = "LOCKFAILED"
	CmdUnlocked   = "UNLOCKED"

	// Inter-daemon bakery protocol.
	CmdLockReady    = "LOCKREADY"
	CmdLockEntering = "LOCKENTERING"
	CmdLockEntered  = "LOCKENTERED"
	CmdGetMaxTicket = "GETMAXTICKET"
	CmdMaxTicket    = "MAXTICKET"
	CmdAddTicket    = "ADDTICKET"
	CmdTicketAdded  = "TICKETADDED"
	CmdLockExiting  = "LOCKEXITING"
	CmdDropTicket   = "DROPTICKET"

	// Introspection.
	CmdListTickets = "LISTTICKETS"
	CmdTicketList  = "TICKETLIST"
)

// Parameter names used by the commands above.
const (
	ParamCache       = "cache"
	ParamCommand     = "command"
	ParamCommands    = "list"
	ParamConnections = "connections"
	ParamDuration    = "duration"
	ParamError       = "error"
	ParamErrorReason = "reason"
	ParamKey         = "key"
	ParamMessage     = "message"
	ParamObjectName  = "object_name"
	ParamPeers       = "peers"
	ParamPID         = "pid"
	ParamQuorum      = "quorum"
	ParamRoster      = "roster"
	ParamServerName  = "server_name"
	ParamService     = "service"
	ParamServices    = "services"
	ParamSource      = "source"
	ParamStatus      = "status"
	ParamTicketID    = "ticket_id"
	ParamTickets     = "tickets"
	ParamTimeout     = "timeout"
	ParamTimeoutDate = "timeout_date"
	ParamUptime      = "uptime"
	ParamVersion     = "version"
)
