package protocol

// Account roles. The role claim in the auth token carries these; privileged
// operations check them server-side, the client only uses them to decide
// which operations to offer.
const (
	RoleDefault        = "default"
	RoleStatisticsView = "statistics:view"
	RoleExportRun      = "export:run"
)
