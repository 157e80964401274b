package consts

const (
	SSEDataPrefix  = "data: "
	SSEIDPrefix    = "id: "
	SSEEventPrefix = "event: "
	SSEKeepAlive   = ": keep-alive\n\n"
	SSEReady       = ": ready\n\n"

	RealtimePath   = "/api/realtime"
	RealtimeWSPath = "/api/realtime/ws"
	SignalsPath    = "/api/signals"
	HealthPath     = "/healthz"
	MetricsPath    = "/metrics"

	TokenQueryParam    = "token"
	ChannelsQueryParam = "channels"
)
