package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/routemesh/routemesh/internal/config"
)

// maxSourceBody caps how much of an upstream response body is read.
const maxSourceBody = 1 << 20

// HTTPFetcher builds a FetchFunc that GETs an upstream JSON endpoint and
// extracts a single numeric field from the response body. Params are sent as
// query string values.
func HTTPFetcher(client *http.Client, rawURL, jsonField string) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, params map[string]any) (float64, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return 0, fmt.Errorf("parse source url: %w", err)
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, paramString(v))
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return 0, fmt.Errorf("source returned %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBody))
		if err != nil {
			return 0, fmt.Errorf("read source body: %w", err)
		}

		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return 0, fmt.Errorf("decode source body: %w", err)
		}
		raw, ok := doc[jsonField]
		if !ok {
			return 0, fmt.Errorf("field %q missing from response", jsonField)
		}
		return numericValue(raw, jsonField)
	}
}

// RegisterConfigured registers every enabled source from the config onto the
// replicator, wiring an HTTP fetcher for each.
func RegisterConfigured(r *Replicator, client *http.Client, sources []config.SourceConfig) error {
	for i := range sources {
		sc := &sources[i]
		if sc.URL == "" {
			return fmt.Errorf("source %q: url is required", sc.Name)
		}
		err := r.RegisterSource(sc.Name, HTTPFetcher(client, sc.URL, sc.JSONField), SourceOptions{
			Priority: sc.Priority,
			Weight:   sc.Weight,
			Enabled:  sc.SourceEnabled(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

func numericValue(raw any, field string) (float64, error) {
	switch t := raw.(type) {
	case float64:
		return t, nil
	case string:
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not numeric: %q", field, t)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("field %q has unsupported type %T", field, raw)
	}
}
