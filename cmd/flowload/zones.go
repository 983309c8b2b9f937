package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// resolveZones uses the explicit list when given, otherwise asks the
// service for every registered zone name.
func resolveZones(ctx context.Context, client *http.Client, base, explicit string) ([]string, error) {
	if strings.TrimSpace(explicit) != "" {
		var out []string
		for z := range strings.SplitSeq(explicit, ",") {
			if z = strings.TrimSpace(z); z != "" {
				out = append(out, z)
			}
		}
		return out, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/zone-names", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get zone names: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("zone names status %d: %s", resp.StatusCode, b)
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("decode zone names: %w", err)
	}
	return names, nil
}
