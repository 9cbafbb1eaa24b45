package store

import (
	"encoding/json"
	"fmt"

	"kwenrich/internal/enrichment"
	"kwenrich/internal/jobs"
)

// jobDocs holds the JSON-encoded columns of a job row.
type jobDocs struct {
	payload   []byte
	config    []byte
	progress  []byte
	result    []byte // nil when absent
	lastError []byte // nil when absent
}

func encodeJob(j *jobs.Job) (jobDocs, error) {
	var d jobDocs
	var err error
	if d.payload, err = json.Marshal(j.Payload); err != nil {
		return d, fmt.Errorf("encode payload: %w", err)
	}
	if d.config, err = json.Marshal(j.Config); err != nil {
		return d, fmt.Errorf("encode config: %w", err)
	}
	if d.progress, err = json.Marshal(j.Progress); err != nil {
		return d, fmt.Errorf("encode progress: %w", err)
	}
	if d.result, err = encodeOptional(j.Result); err != nil {
		return d, fmt.Errorf("encode result: %w", err)
	}
	if d.lastError, err = encodeOptional(j.LastError); err != nil {
		return d, fmt.Errorf("encode last error: %w", err)
	}
	return d, nil
}

func encodeOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJob(j *jobs.Job, d jobDocs) error {
	if err := json.Unmarshal(d.payload, &j.Payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(d.config, &j.Config); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := json.Unmarshal(d.progress, &j.Progress); err != nil {
		return fmt.Errorf("decode progress: %w", err)
	}
	if len(d.result) > 0 {
		j.Result = &jobs.Result{}
		if err := json.Unmarshal(d.result, j.Result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	if len(d.lastError) > 0 {
		j.LastError = &jobs.ErrorInfo{}
		if err := json.Unmarshal(d.lastError, j.LastError); err != nil {
			return fmt.Errorf("decode last error: %w", err)
		}
	}
	return nil
}

// latestMetrics normalizes keyword and locale and keeps the last record
// per pair, so a single upsert never touches the same row twice.
func latestMetrics(records []enrichment.KeywordMetrics) []enrichment.KeywordMetrics {
	index := make(map[enrichment.Keyword]int, len(records))
	out := make([]enrichment.KeywordMetrics, 0, len(records))
	for _, m := range records {
		k := enrichment.Keyword{Text: m.Keyword, Locale: m.Locale}.Normalize()
		m.Keyword, m.Locale = k.Text, k.Locale
		if i, ok := index[k]; ok {
			out[i] = m
			continue
		}
		index[k] = len(out)
		out = append(out, m)
	}
	return out
}
