package event

// ResponseType enumerates the actions a rule may request when it matches.
type ResponseType uint8

const (
	ResponseKillProcess ResponseType = iota
	ResponseDenyExec
	ResponseIsolateContainer
	ResponseThrottleNetwork
	ResponseEmitSignal
	ResponseNotify
)

func (t ResponseType) String() string {
	switch t {
	case ResponseKillProcess:
		return "kill_process"
	case ResponseDenyExec:
		return "deny_exec"
	case ResponseIsolateContainer:
		return "isolate_container"
	case ResponseThrottleNetwork:
		return "throttle_network"
	case ResponseEmitSignal:
		return "emit_signal"
	case ResponseNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Response is the action a matched rule asks the response executor to take.
// Signal is meaningful only for ResponseEmitSignal, Message only for
// ResponseNotify.
type Response struct {
	Type    ResponseType
	Signal  int32
	Message string
}

// EngineEvent is the closed sum of rule-engine outputs: Evaluated,
// Correlated, ResponseRequest, and Passthrough.
type EngineEvent interface {
	engineEvent()
}

// Evaluated reports that a single rule matched an event.
type Evaluated struct {
	RuleID   string
	RuleHash string
	Severity string
	RuleType string
	Meta     EventMeta
}

// Correlated reports that a rule's declared sequence completed: every step
// fired in order, each within its window.
type Correlated struct {
	BaseRuleID   string
	SeqRuleID    string
	BaseRuleHash string
	SeqRuleHash  string
	Steps        int
	Meta         EventMeta
}

// ResponseRequest asks the response executor to act on a match.
type ResponseRequest struct {
	RuleID   string
	Response Response
	Meta     EventMeta
}

// Passthrough carries a raw event to the sink, subject to the engine
// worker's rate limiter.
type Passthrough struct {
	Event CerberusEvent
}

func (Evaluated) engineEvent()       {}
func (Correlated) engineEvent()      {}
func (ResponseRequest) engineEvent() {}
func (Passthrough) engineEvent()     {}
