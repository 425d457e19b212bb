package rulesync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/ThresholdForge/resilience"
	"github.com/itskum47/ThresholdForge/store"
)

type fakeProvider struct {
	mu          sync.Mutex
	live        []Rule
	listErr     error
	createErr   map[string]error
	created     []*RuleSpec
	updated     []*RuleSpec
	updatedOver []Rule
	deleted     [][]string
	createCalls map[string]int
}

func (f *fakeProvider) ListRules(ctx context.Context, namePrefix string) ([]Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []Rule
	for _, rule := range f.live {
		if strings.HasPrefix(rule.UniqueKey, namePrefix) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreateRule(ctx context.Context, spec *RuleSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCalls == nil {
		f.createCalls = make(map[string]int)
	}
	f.createCalls[spec.UniqueKey]++
	if err := f.createErr[spec.UniqueKey]; err != nil {
		return err
	}
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeProvider) UpdateRule(ctx context.Context, spec *RuleSpec, existing *Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, spec)
	f.updatedOver = append(f.updatedOver, *existing)
	return nil
}

func (f *fakeProvider) DeleteRules(ctx context.Context, uniqueKeys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, append([]string(nil), uniqueKeys...))
	return nil
}

func (f *fakeProvider) ListContactGroups(ctx context.Context) ([]ContactGroup, error) {
	return nil, nil
}

func (f *fakeProvider) ListMediaTypes(ctx context.Context) ([]MediaType, error) {
	return nil, nil
}

func newTestSynchronizer(p Provider) *Synchronizer {
	s := NewSynchronizer(p, NewLimiter())
	s.policy = resilience.RetryPolicy{Attempts: 1}
	return s
}

func hostResult(hostname string, blocks ...store.ThresholdConfig) store.MetricThresholdResult {
	return store.MetricThresholdResult{
		Name:       "cpu_usage",
		Labels:     map[string]string{"hostname": hostname},
		UniqueKey:  "cpu_usage|hostname=" + hostname,
		Thresholds: blocks,
		Status:     store.StatusSuccess,
	}
}

func syncConfig(results ...store.MetricThresholdResult) *Config {
	return &Config{
		Task: &store.Task{
			ID:           "task-1",
			Name:         "cpu-watch",
			DatasourceID: "ds-1",
			Projects:     []string{"alpha", "beta"},
		},
		Version: &store.TaskVersion{
			TaskID:  "task-1",
			Version: 1,
			Results: results,
		},
		DatasourceName:  "ds-1",
		MetricName:      "cpu_usage",
		ContactGroupIDs: []string{"grp-1"},
		AlertMethods:    []string{"email"},
		AlarmLevel:      LevelP0,
		Webhook:         "https://hooks.example/x",
		Group:           "ds-1_rule",
		QPS:             100,
	}
}

func upperOnly(start, end, bound float64, window int) store.ThresholdConfig {
	return store.ThresholdConfig{StartHour: start, EndHour: end, UpperBound: &bound, WindowSize: window}
}

func lowerOnly(start, end, bound float64, window int) store.ThresholdConfig {
	return store.ThresholdConfig{StartHour: start, EndHour: end, LowerBound: &bound, WindowSize: window}
}

func TestSyncRulesDiffsDesiredAgainstLive(t *testing.T) {
	provider := &fakeProvider{
		live: []Rule{
			{ID: "rb", UniqueKey: "ds-1.cpu_usage.host-b"},
			{ID: "rc", UniqueKey: "ds-1.cpu_usage.host-c"},
			{ID: "rz", UniqueKey: "other.mem_usage.host-z"}, // outside the namespace
		},
	}
	sync := newTestSynchronizer(provider)

	result, err := sync.SyncRules(context.Background(), syncConfig(
		hostResult("host-a", upperOnly(0, 24, 100, 5)),
		hostResult("host-b", upperOnly(0, 24, 90, 5)),
	))
	if err != nil {
		t.Fatalf("SyncRules: %v", err)
	}

	if result.Created != 1 || result.Updated != 1 || result.Deleted != 1 || result.Failed != 0 {
		t.Fatalf("counts = %+v", result)
	}
	if result.Total != 3 {
		t.Fatalf("total = %d", result.Total)
	}

	if len(provider.created) != 1 || provider.created[0].UniqueKey != "ds-1.cpu_usage.host-a" {
		t.Fatalf("created = %+v", provider.created)
	}
	if len(provider.updated) != 1 || provider.updated[0].UniqueKey != "ds-1.cpu_usage.host-b" {
		t.Fatalf("updated = %+v", provider.updated)
	}
	if provider.updatedOver[0].ID != "rb" {
		t.Fatalf("update must target the live rule, got %+v", provider.updatedOver[0])
	}
	if len(provider.deleted) != 1 || len(provider.deleted[0]) != 1 || provider.deleted[0][0] != "ds-1.cpu_usage.host-c" {
		t.Fatalf("deleted = %+v", provider.deleted)
	}

	ops := result.Operations
	if len(ops.Create) != 1 || ops.Create[0].RuleName != "ds-1.cpu_usage.host-a" || ops.Create[0].Status != "success" {
		t.Fatalf("create outcomes = %+v", ops.Create)
	}
	if len(ops.Delete) != 1 || ops.Delete[0].RuleID != "ds-1.cpu_usage.host-c" || ops.Delete[0].RuleName != "Bulk delete rules" {
		t.Fatalf("delete outcomes = %+v", ops.Delete)
	}
}

func TestSyncRulesSkipsResultsWithoutHostname(t *testing.T) {
	provider := &fakeProvider{live: []Rule{{ID: "r1", UniqueKey: "ds-1.cpu_usage.host-a"}}}
	sync := newTestSynchronizer(provider)

	noLabels := store.MetricThresholdResult{Name: "cpu_usage", Status: store.StatusSuccess}
	emptyHost := hostResult("", upperOnly(0, 24, 100, 5))

	result, err := sync.SyncRules(context.Background(), syncConfig(noLabels, emptyHost))
	if err != nil {
		t.Fatalf("SyncRules: %v", err)
	}
	if result.Created != 0 || result.Updated != 0 {
		t.Fatalf("nothing should be written for unnamed hosts: %+v", result)
	}
	// With no desired rules the whole namespace is stale.
	if result.Deleted != 1 || provider.deleted[0][0] != "ds-1.cpu_usage.host-a" {
		t.Fatalf("deleted = %+v", provider.deleted)
	}
}

func TestSyncRulesSpecShape(t *testing.T) {
	provider := &fakeProvider{}
	sync := newTestSynchronizer(provider)

	_, err := sync.SyncRules(context.Background(), syncConfig(
		hostResult("host-a", upperOnly(0, 12, 100, 5), lowerOnly(12, 24, 10, 30)),
	))
	if err != nil {
		t.Fatalf("SyncRules: %v", err)
	}
	if len(provider.created) != 1 {
		t.Fatalf("created = %+v", provider.created)
	}

	spec := provider.created[0]
	if spec.UniqueKey != "ds-1.cpu_usage.host-a" {
		t.Fatalf("unique key = %q", spec.UniqueKey)
	}
	if spec.Severity != SeverityCritical {
		t.Fatalf("severity for P0 = %q", spec.Severity)
	}
	if len(spec.Conditions) != 2 {
		t.Fatalf("conditions = %+v", spec.Conditions)
	}

	upper := spec.Conditions[0]
	if upper.Operator != ">" || upper.AggFunction != "min" || upper.AggPeriod != "5m" {
		t.Fatalf("upper condition = %+v", upper)
	}
	if upper.Threshold != 100 || upper.StartHour != 0 || upper.EndHour != 12 {
		t.Fatalf("upper condition = %+v", upper)
	}
	if upper.MetricName != "cpu_usage" || upper.Hostname != "host-a" {
		t.Fatalf("upper condition = %+v", upper)
	}

	lower := spec.Conditions[1]
	if lower.Operator != "<" || lower.AggFunction != "max" || lower.AggPeriod != "30m" {
		t.Fatalf("lower condition = %+v", lower)
	}
	if lower.Threshold != 10 {
		t.Fatalf("lower condition = %+v", lower)
	}

	wantTags := []Tag{
		{Key: "managed-by", Value: "ve_aiops"},
		{Key: "projects_01", Value: "alpha"},
		{Key: "projects_02", Value: "beta"},
	}
	if len(spec.Tags) != len(wantTags) {
		t.Fatalf("tags = %+v", spec.Tags)
	}
	for i, want := range wantTags {
		if spec.Tags[i] != want {
			t.Fatalf("tag %d = %+v, want %+v", i, spec.Tags[i], want)
		}
	}

	if len(spec.ContactGroupIDs) != 1 || spec.ContactGroupIDs[0] != "grp-1" {
		t.Fatalf("contact groups = %+v", spec.ContactGroupIDs)
	}
	if spec.Webhook != "https://hooks.example/x" {
		t.Fatalf("webhook = %q", spec.Webhook)
	}
}

func TestSyncRulesCollectsPerRuleFailures(t *testing.T) {
	provider := &fakeProvider{
		createErr: map[string]error{"ds-1.cpu_usage.bad": errors.New("quota exceeded")},
	}
	sync := NewSynchronizer(provider, NewLimiter())
	sync.policy = resilience.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

	result, err := sync.SyncRules(context.Background(), syncConfig(
		hostResult("good", upperOnly(0, 24, 100, 5)),
		hostResult("bad", upperOnly(0, 24, 100, 5)),
	))
	if err != nil {
		t.Fatalf("per-rule failures must not fail the sync: %v", err)
	}

	if result.Created != 1 || result.Failed != 1 || result.Total != 2 {
		t.Fatalf("counts = %+v", result)
	}
	failed := result.Operations.Failed
	if len(failed) != 1 || failed[0].Action != "create" || failed[0].RuleName != "ds-1.cpu_usage.bad" {
		t.Fatalf("failed outcomes = %+v", failed)
	}
	if !strings.Contains(failed[0].Error, "quota exceeded") {
		t.Fatalf("failure must carry the provider error: %q", failed[0].Error)
	}
	if got := provider.createCalls["ds-1.cpu_usage.bad"]; got != 3 {
		t.Fatalf("failing create attempted %d times, want 3", got)
	}
	if got := provider.createCalls["ds-1.cpu_usage.good"]; got != 1 {
		t.Fatalf("good create attempted %d times, want 1", got)
	}
}

func TestSyncRulesBatchesDeletes(t *testing.T) {
	var live []Rule
	for i := 0; i < 23; i++ {
		key := "ds-1.cpu_usage.host-" + string(rune('a'+i/10)) + string(rune('0'+i%10))
		live = append(live, Rule{ID: key, UniqueKey: key})
	}
	provider := &fakeProvider{live: live}
	sync := newTestSynchronizer(provider)

	result, err := sync.SyncRules(context.Background(), syncConfig())
	if err != nil {
		t.Fatalf("SyncRules: %v", err)
	}
	if result.Deleted != 23 {
		t.Fatalf("deleted = %d, want 23", result.Deleted)
	}
	if len(provider.deleted) != 3 {
		t.Fatalf("expected 3 delete batches, got %d", len(provider.deleted))
	}

	sizes := map[int]int{}
	seen := map[string]bool{}
	for _, batch := range provider.deleted {
		if len(batch) > deleteBatchSize {
			t.Fatalf("batch of %d exceeds the cap", len(batch))
		}
		sizes[len(batch)]++
		for _, key := range batch {
			seen[key] = true
		}
	}
	if sizes[10] != 2 || sizes[3] != 1 {
		t.Fatalf("batch sizes = %v", sizes)
	}
	if len(seen) != 23 {
		t.Fatalf("deleted %d distinct keys, want 23", len(seen))
	}
}

func TestSyncRulesListFailure(t *testing.T) {
	provider := &fakeProvider{listErr: errors.New("gateway down")}
	sync := newTestSynchronizer(provider)

	_, err := sync.SyncRules(context.Background(), syncConfig())
	if err == nil || !strings.Contains(err.Error(), "gateway down") {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteAllRules(t *testing.T) {
	var live []Rule
	for i := 0; i < 12; i++ {
		key := "ds-1.cpu_usage.host-" + string(rune('a'+i))
		live = append(live, Rule{ID: key, UniqueKey: key})
	}
	live = append(live, Rule{ID: "rz", UniqueKey: "other.mem_usage.host-z"})
	provider := &fakeProvider{live: live}
	sync := newTestSynchronizer(provider)

	if err := sync.DeleteAllRules(context.Background(), "ds-1", "cpu_usage", "ds-1_rule", 100); err != nil {
		t.Fatalf("DeleteAllRules: %v", err)
	}

	if len(provider.deleted) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(provider.deleted))
	}
	if len(provider.deleted[0]) != 10 || len(provider.deleted[1]) != 2 {
		t.Fatalf("batch sizes = %d, %d", len(provider.deleted[0]), len(provider.deleted[1]))
	}
	for _, batch := range provider.deleted {
		for _, key := range batch {
			if !strings.HasPrefix(key, "ds-1.cpu_usage.") {
				t.Fatalf("deleted a rule outside the namespace: %s", key)
			}
		}
	}
}

func TestDeleteAllRulesEmptyNamespace(t *testing.T) {
	provider := &fakeProvider{}
	sync := newTestSynchronizer(provider)

	if err := sync.DeleteAllRules(context.Background(), "ds-1", "cpu_usage", "ds-1_rule", 100); err != nil {
		t.Fatalf("DeleteAllRules: %v", err)
	}
	if len(provider.deleted) != 0 {
		t.Fatalf("nothing to delete, got %+v", provider.deleted)
	}
}

func TestSeverity(t *testing.T) {
	cases := map[string]string{
		LevelP0: SeverityCritical,
		LevelP1: SeverityWarning,
		LevelP2: SeverityInfo,
		"P9":    SeverityInfo,
		"":      SeverityInfo,
	}
	for level, want := range cases {
		if got := Severity(level); got != want {
			t.Errorf("Severity(%q) = %q, want %q", level, got, want)
		}
	}
}
