package mesos

// JSON shapes of the scheduler HTTP API (v1). Only the fields the framework
// reads or writes are declared.

type value struct {
	Value string `json:"value"`
}

func id(s string) *value {
	if s == "" {
		return nil
	}
	return &value{Value: s}
}

// Call types
const (
	callSubscribe   = "SUBSCRIBE"
	callAccept      = "ACCEPT"
	callDecline     = "DECLINE"
	callAcknowledge = "ACKNOWLEDGE"
	callKill        = "KILL"
	callRevive      = "REVIVE"
	callReconcile   = "RECONCILE"
)

// Event types
const (
	eventSubscribed = "SUBSCRIBED"
	eventOffers     = "OFFERS"
	eventRescind    = "RESCIND"
	eventUpdate     = "UPDATE"
	eventMessage    = "MESSAGE"
	eventFailure    = "FAILURE"
	eventError      = "ERROR"
	eventHeartbeat  = "HEARTBEAT"
)

type call struct {
	FrameworkID *value         `json:"framework_id,omitempty"`
	Type        string         `json:"type"`
	Subscribe   *subscribeCall `json:"subscribe,omitempty"`
	Accept      *acceptCall    `json:"accept,omitempty"`
	Decline     *declineCall   `json:"decline,omitempty"`
	Acknowledge *ackCall       `json:"acknowledge,omitempty"`
	Kill        *killCall      `json:"kill,omitempty"`
	Reconcile   *reconcileCall `json:"reconcile,omitempty"`
}

type frameworkInfo struct {
	ID              *value  `json:"id,omitempty"`
	User            string  `json:"user"`
	Name            string  `json:"name"`
	Role            string  `json:"role,omitempty"`
	Checkpoint      bool    `json:"checkpoint"`
	FailoverTimeout float64 `json:"failover_timeout"`
	Hostname        string  `json:"hostname,omitempty"`
	WebUIURL        string  `json:"webui_url,omitempty"`
}

type subscribeCall struct {
	FrameworkInfo frameworkInfo `json:"framework_info"`
}

type filters struct {
	RefuseSeconds float64 `json:"refuse_seconds"`
}

type acceptCall struct {
	OfferIDs   []value     `json:"offer_ids"`
	Operations []operation `json:"operations"`
	Filters    *filters    `json:"filters,omitempty"`
}

type operation struct {
	Type   string  `json:"type"`
	Launch *launch `json:"launch,omitempty"`
}

type launch struct {
	TaskInfos []taskInfo `json:"task_infos"`
}

type declineCall struct {
	OfferIDs []value  `json:"offer_ids"`
	Filters  *filters `json:"filters,omitempty"`
}

type ackCall struct {
	AgentID value  `json:"agent_id"`
	TaskID  value  `json:"task_id"`
	UUID    string `json:"uuid"`
}

type killCall struct {
	TaskID  value  `json:"task_id"`
	AgentID *value `json:"agent_id,omitempty"`
}

type reconcileTask struct {
	TaskID  value  `json:"task_id"`
	AgentID *value `json:"agent_id,omitempty"`
}

type reconcileCall struct {
	Tasks []reconcileTask `json:"tasks"`
}

type event struct {
	Type       string           `json:"type"`
	Subscribed *subscribedEvent `json:"subscribed,omitempty"`
	Offers     *offersEvent     `json:"offers,omitempty"`
	Rescind    *rescindEvent    `json:"rescind,omitempty"`
	Update     *updateEvent     `json:"update,omitempty"`
	Failure    *failureEvent    `json:"failure,omitempty"`
	Error      *errorEvent      `json:"error,omitempty"`
}

type subscribedEvent struct {
	FrameworkID              value   `json:"framework_id"`
	HeartbeatIntervalSeconds float64 `json:"heartbeat_interval_seconds"`
}

type offersEvent struct {
	Offers []offer `json:"offers"`
}

type offer struct {
	ID          value      `json:"id"`
	FrameworkID value      `json:"framework_id"`
	AgentID     value      `json:"agent_id"`
	Hostname    string     `json:"hostname"`
	Resources   []resource `json:"resources"`
}

type rescindEvent struct {
	OfferID value `json:"offer_id"`
}

type updateEvent struct {
	Status taskStatus `json:"status"`
}

type taskStatus struct {
	TaskID  value  `json:"task_id"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Source  string `json:"source,omitempty"`
	Reason  string `json:"reason,omitempty"`
	AgentID *value `json:"agent_id,omitempty"`
	UUID    string `json:"uuid,omitempty"`
}

type failureEvent struct {
	AgentID *value `json:"agent_id,omitempty"`
	Status  *int   `json:"status,omitempty"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type scalar struct {
	Value float64 `json:"value"`
}

type valueRange struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

type ranges struct {
	Range []valueRange `json:"range"`
}

type resource struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Role   string  `json:"role,omitempty"`
	Scalar *scalar `json:"scalar,omitempty"`
	Ranges *ranges `json:"ranges,omitempty"`
}

type environment struct {
	Variables []variable `json:"variables"`
}

type variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type commandInfo struct {
	Shell       bool         `json:"shell"`
	Value       string       `json:"value,omitempty"`
	Arguments   []string     `json:"arguments,omitempty"`
	Environment *environment `json:"environment,omitempty"`
}

type dockerInfo struct {
	Image          string `json:"image"`
	Network        string `json:"network"`
	ForcePullImage bool   `json:"force_pull_image"`
}

type containerInfo struct {
	Type   string      `json:"type"`
	Docker *dockerInfo `json:"docker,omitempty"`
}

type label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type labels struct {
	Labels []label `json:"labels"`
}

type httpCheck struct {
	Port uint64 `json:"port"`
	Path string `json:"path,omitempty"`
}

type tcpCheck struct {
	Port uint64 `json:"port"`
}

type healthCheck struct {
	Type                string       `json:"type"`
	DelaySeconds        float64      `json:"delay_seconds,omitempty"`
	IntervalSeconds     float64      `json:"interval_seconds,omitempty"`
	TimeoutSeconds      float64      `json:"timeout_seconds,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures,omitempty"`
	GracePeriodSeconds  float64      `json:"grace_period_seconds,omitempty"`
	HTTP                *httpCheck   `json:"http,omitempty"`
	TCP                 *tcpCheck    `json:"tcp,omitempty"`
	Command             *commandInfo `json:"command,omitempty"`
}

type taskInfo struct {
	Name        string         `json:"name"`
	TaskID      value          `json:"task_id"`
	AgentID     value          `json:"agent_id"`
	Resources   []resource     `json:"resources"`
	Command     *commandInfo   `json:"command,omitempty"`
	Container   *containerInfo `json:"container,omitempty"`
	HealthCheck *healthCheck   `json:"health_check,omitempty"`
	Labels      *labels        `json:"labels,omitempty"`
}
