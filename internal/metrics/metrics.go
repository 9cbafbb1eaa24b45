package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the enrichment service.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsEnqueued   = make(map[string]int64)
	jobsFinished   = make(map[jobKey]int64)
	jobDurationSum = make(map[string]int64)
	jobDurationCnt = make(map[string]int64)
	jobRetries     = make(map[string]int64)
	itemsTotal     = make(map[itemKey]int64)
	quotaUnits     int64

	recoveriesTotal = make(map[recoveryKey]int64)

	retentionJobsDeleted = make(map[string]int64)

	workersCurrent int64
	quotaUsed      int64
	quotaLimit     int64
	emergencyStops int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type jobKey struct {
	Type   string
	Status string
}

type itemKey struct {
	Source  string
	Success string
}

type recoveryKey struct {
	Category string
	Strategy string
	Success  string
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordJobEnqueued counts accepted submissions per job type.
func RecordJobEnqueued(jobType string) {
	mu.Lock()
	defer mu.Unlock()
	jobsEnqueued[jobType]++
}

// RecordJobFinished counts jobs reaching a terminal status and records
// their processing time.
func RecordJobFinished(jobType, status string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinished[jobKey{Type: jobType, Status: status}]++
	if durationMs > 0 {
		jobDurationSum[jobType] += durationMs
		jobDurationCnt[jobType]++
	}
}

// RecordJobRetry counts jobs rescheduled for another attempt.
func RecordJobRetry(jobType string) {
	mu.Lock()
	defer mu.Unlock()
	jobRetries[jobType]++
}

// RecordItem counts a single keyword outcome by data source.
func RecordItem(source string, success bool, units int) {
	mu.Lock()
	defer mu.Unlock()
	itemsTotal[itemKey{Source: source, Success: boolLabel(success)}]++
	if units > 0 {
		quotaUnits += int64(units)
	}
}

// RecordRecovery counts recovery attempts by category and strategy.
func RecordRecovery(category, strategy string, success bool) {
	mu.Lock()
	defer mu.Unlock()
	recoveriesTotal[recoveryKey{Category: category, Strategy: strategy, Success: boolLabel(success)}]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL for
// a given job type.
func RecordRetentionJobs(jobType string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted[jobType] += deleted
}

// SetWorkers records the current size of the worker pool.
func SetWorkers(n int) {
	mu.Lock()
	defer mu.Unlock()
	workersCurrent = int64(n)
}

// SetQuota records the last polled provider quota usage.
func SetQuota(used, limit int64) {
	mu.Lock()
	defer mu.Unlock()
	quotaUsed = used
	quotaLimit = limit
}

// RecordEmergencyStop counts quota-triggered queue pauses.
func RecordEmergencyStop() {
	mu.Lock()
	defer mu.Unlock()
	emergencyStops++
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP kwenrich_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE kwenrich_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "kwenrich_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP kwenrich_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE kwenrich_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP kwenrich_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE kwenrich_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "kwenrich_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "kwenrich_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	// Job metrics
	b.WriteString("# HELP kwenrich_jobs_enqueued_total Jobs accepted by the queue\n")
	b.WriteString("# TYPE kwenrich_jobs_enqueued_total counter\n")
	for _, t := range sortedKeys(jobsEnqueued) {
		fmt.Fprintf(&b, "kwenrich_jobs_enqueued_total{job_type=\"%s\"} %d\n", t, jobsEnqueued[t])
	}

	b.WriteString("# HELP kwenrich_jobs_finished_total Jobs reaching a terminal status\n")
	b.WriteString("# TYPE kwenrich_jobs_finished_total counter\n")
	var finishedKeys []jobKey
	for k := range jobsFinished {
		finishedKeys = append(finishedKeys, k)
	}
	sort.Slice(finishedKeys, func(i, j int) bool {
		if finishedKeys[i].Type != finishedKeys[j].Type {
			return finishedKeys[i].Type < finishedKeys[j].Type
		}
		return finishedKeys[i].Status < finishedKeys[j].Status
	})
	for _, k := range finishedKeys {
		fmt.Fprintf(&b, "kwenrich_jobs_finished_total{job_type=\"%s\",status=\"%s\"} %d\n",
			k.Type, k.Status, jobsFinished[k])
	}

	b.WriteString("# HELP kwenrich_job_duration_ms_sum Total job processing time in milliseconds\n")
	b.WriteString("# TYPE kwenrich_job_duration_ms_sum counter\n")
	for _, t := range sortedKeys(jobDurationSum) {
		fmt.Fprintf(&b, "kwenrich_job_duration_ms_sum{job_type=\"%s\"} %d\n", t, jobDurationSum[t])
		fmt.Fprintf(&b, "kwenrich_job_duration_ms_count{job_type=\"%s\"} %d\n", t, jobDurationCnt[t])
	}

	b.WriteString("# HELP kwenrich_job_retries_total Jobs rescheduled after a failure\n")
	b.WriteString("# TYPE kwenrich_job_retries_total counter\n")
	for _, t := range sortedKeys(jobRetries) {
		fmt.Fprintf(&b, "kwenrich_job_retries_total{job_type=\"%s\"} %d\n", t, jobRetries[t])
	}

	b.WriteString("# HELP kwenrich_items_total Keyword outcomes by source\n")
	b.WriteString("# TYPE kwenrich_items_total counter\n")
	var itemKeys []itemKey
	for k := range itemsTotal {
		itemKeys = append(itemKeys, k)
	}
	sort.Slice(itemKeys, func(i, j int) bool {
		if itemKeys[i].Source != itemKeys[j].Source {
			return itemKeys[i].Source < itemKeys[j].Source
		}
		return itemKeys[i].Success < itemKeys[j].Success
	})
	for _, k := range itemKeys {
		fmt.Fprintf(&b, "kwenrich_items_total{source=\"%s\",success=\"%s\"} %d\n",
			k.Source, k.Success, itemsTotal[k])
	}

	b.WriteString("# HELP kwenrich_quota_units_consumed_total Provider quota units consumed by live fetches\n")
	b.WriteString("# TYPE kwenrich_quota_units_consumed_total counter\n")
	fmt.Fprintf(&b, "kwenrich_quota_units_consumed_total %d\n", quotaUnits)

	// Recovery metrics
	b.WriteString("# HELP kwenrich_recoveries_total Error recovery attempts by category and strategy\n")
	b.WriteString("# TYPE kwenrich_recoveries_total counter\n")
	var recKeys []recoveryKey
	for k := range recoveriesTotal {
		recKeys = append(recKeys, k)
	}
	sort.Slice(recKeys, func(i, j int) bool {
		if recKeys[i].Category != recKeys[j].Category {
			return recKeys[i].Category < recKeys[j].Category
		}
		if recKeys[i].Strategy != recKeys[j].Strategy {
			return recKeys[i].Strategy < recKeys[j].Strategy
		}
		return recKeys[i].Success < recKeys[j].Success
	})
	for _, k := range recKeys {
		fmt.Fprintf(&b, "kwenrich_recoveries_total{category=\"%s\",strategy=\"%s\",success=\"%s\"} %d\n",
			k.Category, k.Strategy, k.Success, recoveriesTotal[k])
	}

	// Retention metrics
	b.WriteString("# HELP kwenrich_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE kwenrich_retention_jobs_deleted_total counter\n")
	for _, t := range sortedKeys(retentionJobsDeleted) {
		fmt.Fprintf(&b, "kwenrich_retention_jobs_deleted_total{job_type=\"%s\"} %d\n", t, retentionJobsDeleted[t])
	}

	// Pool and quota gauges
	b.WriteString("# HELP kwenrich_workers Current worker pool size\n")
	b.WriteString("# TYPE kwenrich_workers gauge\n")
	fmt.Fprintf(&b, "kwenrich_workers %d\n", workersCurrent)

	b.WriteString("# HELP kwenrich_quota_used Provider quota used at last check\n")
	b.WriteString("# TYPE kwenrich_quota_used gauge\n")
	fmt.Fprintf(&b, "kwenrich_quota_used %d\n", quotaUsed)
	b.WriteString("# HELP kwenrich_quota_limit Provider quota limit at last check\n")
	b.WriteString("# TYPE kwenrich_quota_limit gauge\n")
	fmt.Fprintf(&b, "kwenrich_quota_limit %d\n", quotaLimit)

	b.WriteString("# HELP kwenrich_emergency_stops_total Queue pauses triggered by quota usage\n")
	b.WriteString("# TYPE kwenrich_emergency_stops_total counter\n")
	fmt.Fprintf(&b, "kwenrich_emergency_stops_total %d\n", emergencyStops)

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
