// Package rulesync reconciles computed thresholds into the monitoring
// provider's live alarm rules. The engine owns the rule namespace
// "{datasource}.{metric}" and never touches rules outside it.
package rulesync

// Alarm levels accepted by the sync payload.
const (
	LevelP0 = "P0"
	LevelP1 = "P1"
	LevelP2 = "P2"
)

// Severities a rule can carry on the provider side.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Every rule the engine writes carries this tag so teardown and diffing can
// identify engine-owned rules.
const (
	managedByKey   = "managed-by"
	managedByValue = "ve_aiops"
)

// Severity maps an alarm level to the provider severity. Unknown levels
// fall back to info.
func Severity(alarmLevel string) string {
	switch alarmLevel {
	case LevelP0:
		return SeverityCritical
	case LevelP1:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Condition is one threshold comparison inside a rule: fire when the
// aggregated metric crosses Threshold inside the [StartHour, EndHour) window.
type Condition struct {
	MetricName  string  `json:"metric_name"`
	Hostname    string  `json:"hostname"`
	StartHour   float64 `json:"start_hour"`
	EndHour     float64 `json:"end_hour"`
	Threshold   float64 `json:"threshold"`
	Operator    string  `json:"operator"`             // ">" for upper bounds, "<" for lower
	AggFunction string  `json:"aggregation_function"` // "min" for upper bounds, "max" for lower
	AggPeriod   string  `json:"aggregation_period"`   // window size, e.g. "5m"
}

// Tag marks a rule with provenance or project membership.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RuleSpec is the desired shape of one alarm rule.
type RuleSpec struct {
	UniqueKey       string      `json:"unique_key"`
	Conditions      []Condition `json:"conditions"`
	Tags            []Tag       `json:"tags"`
	Severity        string      `json:"severity"`
	ContactGroupIDs []string    `json:"contact_group_ids"`
	AlertMethods    []string    `json:"alert_methods"`
	Webhook         string      `json:"webhook,omitempty"`
}

// Rule is a live rule as the provider reports it.
type Rule struct {
	ID        string `json:"id"`
	UniqueKey string `json:"unique_key"`
}

// ContactGroup is a notification target configured on the provider.
type ContactGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MediaType is a notification channel configured on the provider.
type MediaType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OperationResult records the outcome of one rule operation.
type OperationResult struct {
	Action   string `json:"action"`
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Operations groups operation results by action.
type Operations struct {
	Create []OperationResult `json:"create"`
	Update []OperationResult `json:"update"`
	Delete []OperationResult `json:"delete"`
	Failed []OperationResult `json:"failed"`
}

// SyncResult is the summary a sync run returns. Totals count individual
// rules, so one bulk delete of n rules contributes n to Deleted.
type SyncResult struct {
	Total      int        `json:"total"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	Failed     int        `json:"failed"`
	Operations Operations `json:"rule_operations"`
}
