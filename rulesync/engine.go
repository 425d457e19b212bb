package rulesync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/itskum47/ThresholdForge/observability"
	"github.com/itskum47/ThresholdForge/resilience"
	"github.com/itskum47/ThresholdForge/store"
)

// Deletes are batched so one sweep cannot overwhelm the provider API.
const deleteBatchSize = 10

// Config carries one sync run's inputs. Group and QPS select the shared
// rate limit bucket; Group is usually the datasource account key.
type Config struct {
	Task            *store.Task
	Version         *store.TaskVersion
	DatasourceName  string
	MetricName      string
	ContactGroupIDs []string
	AlertMethods    []string
	AlarmLevel      string
	Webhook         string
	Group           string
	QPS             int
}

// Synchronizer diffs the desired rules derived from a task version against
// the provider's live rules and applies the minimal set of edits. Creates,
// updates and deletes run concurrently; each call goes through the rate
// limiter and the provider retry policy, and per-rule failures are collected
// without cancelling the other operations.
type Synchronizer struct {
	provider Provider
	limiter  *Limiter
	policy   resilience.RetryPolicy
}

func NewSynchronizer(provider Provider, limiter *Limiter) *Synchronizer {
	if limiter == nil {
		limiter = NewLimiter()
	}
	return &Synchronizer{provider: provider, limiter: limiter, policy: resilience.ProviderPolicy()}
}

type operation struct {
	action   string
	key      string // rule name for reporting
	spec     *RuleSpec
	existing *Rule
	keys     []string // populated for delete batches
}

// SyncRules reconciles the version's thresholds into live alarm rules.
//
// The engine owns the namespace "{datasource}.{metric}"; desired rules are
// keyed "{namespace}.{hostname}" from each result's hostname label (results
// without one are skipped). Live rules inside the namespace that no result
// claims are deleted in batches.
func (s *Synchronizer) SyncRules(ctx context.Context, cfg *Config) (*SyncResult, error) {
	prefix := cfg.DatasourceName + "." + cfg.MetricName

	live, err := s.provider.ListRules(ctx, prefix)
	if err != nil {
		log.Printf("RuleSync: ⚠️ rule synchronization failed: %v", err)
		return nil, fmt.Errorf("failed to list live rules: %w", err)
	}

	existing := make(map[string]Rule, len(live))
	for _, rule := range live {
		if rule.UniqueKey != "" {
			existing[rule.UniqueKey] = rule
		}
	}

	tags := buildTags(cfg.Task)
	severity := Severity(cfg.AlarmLevel)

	// Desired rules, last result wins on duplicate hostnames.
	var order []string
	desired := make(map[string]store.MetricThresholdResult)
	var results []store.MetricThresholdResult
	if cfg.Version != nil {
		results = cfg.Version.Results
	}
	for _, result := range results {
		hostname := result.Labels["hostname"]
		if hostname == "" {
			continue
		}
		key := fmt.Sprintf("%s.%s", prefix, hostname)
		if _, seen := desired[key]; !seen {
			order = append(order, key)
		}
		desired[key] = result
	}

	var ops []operation
	for _, key := range order {
		result := desired[key]
		spec := buildSpec(cfg, key, result.Labels["hostname"], result.Thresholds, tags, severity)
		if rule, ok := existing[key]; ok {
			existingRule := rule
			ops = append(ops, operation{action: "update", key: key, spec: spec, existing: &existingRule})
		} else {
			ops = append(ops, operation{action: "create", key: key, spec: spec})
		}
	}

	var stale []string
	for key := range existing {
		if _, ok := desired[key]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	for start := 0; start < len(stale); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(stale) {
			end = len(stale)
		}
		ops = append(ops, operation{action: "delete", key: "Bulk delete rules", keys: stale[start:end]})
	}

	log.Printf("RuleSync: %s: %d desired, %d live, %d stale", prefix, len(desired), len(existing), len(stale))
	return s.apply(ctx, cfg, ops), nil
}

// apply runs all operations concurrently and accumulates per-rule outcomes.
func (s *Synchronizer) apply(ctx context.Context, cfg *Config, ops []operation) *SyncResult {
	var mu sync.Mutex
	var accumulated Operations

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op operation) {
			defer wg.Done()
			outcomes := s.execute(ctx, cfg, op)
			mu.Lock()
			defer mu.Unlock()
			for _, outcome := range outcomes {
				switch {
				case outcome.Status != "success":
					accumulated.Failed = append(accumulated.Failed, outcome)
				case outcome.Action == "create":
					accumulated.Create = append(accumulated.Create, outcome)
				case outcome.Action == "update":
					accumulated.Update = append(accumulated.Update, outcome)
				default:
					accumulated.Delete = append(accumulated.Delete, outcome)
				}
			}
		}(op)
	}
	wg.Wait()

	result := &SyncResult{
		Created:    len(accumulated.Create),
		Updated:    len(accumulated.Update),
		Deleted:    len(accumulated.Delete),
		Failed:     len(accumulated.Failed),
		Operations: accumulated,
	}
	result.Total = result.Created + result.Updated + result.Deleted + result.Failed
	return result
}

func (s *Synchronizer) execute(ctx context.Context, cfg *Config, op operation) []OperationResult {
	var opName string
	if op.action == "delete" {
		opName = fmt.Sprintf("delete %d rules", len(op.keys))
	} else {
		opName = fmt.Sprintf("%s rule %s", op.action, op.key)
	}

	err := s.policy.Do(ctx, opName, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx, cfg.Group, cfg.QPS); err != nil {
			return err
		}
		switch op.action {
		case "create":
			return s.provider.CreateRule(ctx, op.spec)
		case "update":
			return s.provider.UpdateRule(ctx, op.spec, op.existing)
		default:
			return s.provider.DeleteRules(ctx, op.keys)
		}
	})
	if err != nil {
		observability.SyncOperations.WithLabelValues(op.action, "error").Inc()
		return []OperationResult{{Action: op.action, RuleName: op.key, Status: "error", Error: err.Error()}}
	}

	observability.SyncOperations.WithLabelValues(op.action, "success").Inc()
	if op.action == "delete" {
		outcomes := make([]OperationResult, 0, len(op.keys))
		for _, key := range op.keys {
			outcomes = append(outcomes, OperationResult{Action: "delete", RuleID: key, RuleName: op.key, Status: "success"})
		}
		return outcomes
	}
	// The unique key doubles as the rule ID on the provider side.
	return []OperationResult{{Action: op.action, RuleID: op.key, RuleName: op.key, Status: "success"}}
}

// DeleteAllRules removes every rule in the engine's namespace for the given
// datasource and metric, in batches. Used on task teardown.
func (s *Synchronizer) DeleteAllRules(ctx context.Context, datasourceName, metricName, group string, qps int) error {
	prefix := datasourceName + "." + metricName

	live, err := s.provider.ListRules(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list rules for deletion: %w", err)
	}

	keys := make([]string, 0, len(live))
	for _, rule := range live {
		if rule.UniqueKey != "" {
			keys = append(keys, rule.UniqueKey)
		}
	}
	if len(keys) == 0 {
		log.Printf("RuleSync: no rules found for %s", prefix)
		return nil
	}
	sort.Strings(keys)

	log.Printf("RuleSync: found %d rules to delete for %s", len(keys), prefix)
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		err := s.policy.Do(ctx, fmt.Sprintf("delete %d rules", len(batch)), func(ctx context.Context) error {
			if err := s.limiter.Wait(ctx, group, qps); err != nil {
				return err
			}
			return s.provider.DeleteRules(ctx, batch)
		})
		if err != nil {
			return err
		}
		observability.SyncOperations.WithLabelValues("delete", "success").Inc()
		log.Printf("RuleSync: deleted batch of %d rules (%d-%d) for %s", len(batch), start+1, end, prefix)
	}

	log.Printf("RuleSync: completed deletion of all %d rules for %s", len(keys), prefix)
	return nil
}

// buildSpec renders one desired rule: a condition per bound per block, the
// provenance and project tags, and the notification binding.
func buildSpec(cfg *Config, key, hostname string, thresholds []store.ThresholdConfig, tags []Tag, severity string) *RuleSpec {
	var conditions []Condition
	for _, block := range thresholds {
		period := fmt.Sprintf("%dm", block.WindowSize)
		if block.UpperBound != nil {
			conditions = append(conditions, Condition{
				MetricName:  cfg.MetricName,
				Hostname:    hostname,
				StartHour:   block.StartHour,
				EndHour:     block.EndHour,
				Threshold:   *block.UpperBound,
				Operator:    ">",
				AggFunction: "min",
				AggPeriod:   period,
			})
		}
		if block.LowerBound != nil {
			conditions = append(conditions, Condition{
				MetricName:  cfg.MetricName,
				Hostname:    hostname,
				StartHour:   block.StartHour,
				EndHour:     block.EndHour,
				Threshold:   *block.LowerBound,
				Operator:    "<",
				AggFunction: "max",
				AggPeriod:   period,
			})
		}
	}

	return &RuleSpec{
		UniqueKey:       key,
		Conditions:      conditions,
		Tags:            tags,
		Severity:        severity,
		ContactGroupIDs: cfg.ContactGroupIDs,
		AlertMethods:    cfg.AlertMethods,
		Webhook:         cfg.Webhook,
	}
}

// buildTags returns the provenance tag plus one numbered tag per project.
func buildTags(task *store.Task) []Tag {
	tags := []Tag{{Key: managedByKey, Value: managedByValue}}
	if task == nil {
		return tags
	}
	for i, project := range task.Projects {
		tags = append(tags, Tag{Key: fmt.Sprintf("projects_%02d", i+1), Value: project})
	}
	return tags
}
