package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/aether-gateway/internal/health"
)

const metricPrefix = "aether_gateway_"

// healthzBody mirrors the /healthz response.
type healthzBody struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	health.Stats
}

func statusCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Query a running gateway's health endpoint and print its status and counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			base := strings.TrimSuffix(addr, "/")
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}

			var hz healthzBody
			body, err := fetch(ctx, base+"/healthz")
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &hz); err != nil {
				return fmt.Errorf("decode /healthz: %w", err)
			}

			text, err := fetch(ctx, base+"/metrics")
			if err != nil {
				return err
			}
			families, err := parseMetrics(text)
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), hz, families, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "address", "a", "127.0.0.1:8080", "Health server address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// /healthz answers 503 with a body when stopped
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return body, nil
}

// parseMetrics parses the Prometheus text exposition format.
func parseMetrics(text []byte) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(string(text)))
	if err != nil {
		return nil, fmt.Errorf("parse /metrics: %w", err)
	}
	return families, nil
}

// metricSum adds up every sample of a counter or gauge family.
func metricSum(families map[string]*dto.MetricFamily, name string) float64 {
	mf, ok := families[metricPrefix+name]
	if !ok {
		return 0
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.GetCounter() != nil:
			sum += m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			sum += m.GetGauge().GetValue()
		}
	}
	return sum
}

// metricByLabel sums a family's samples grouped by one label value.
func metricByLabel(families map[string]*dto.MetricFamily, name, label string) map[string]float64 {
	out := make(map[string]float64)
	mf, ok := families[metricPrefix+name]
	if !ok {
		return out
	}
	for _, m := range mf.GetMetric() {
		var key string
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
			}
		}
		out[key] += m.GetCounter().GetValue()
	}
	return out
}

func printStatus(w io.Writer, hz healthzBody, families map[string]*dto.MetricFamily, now time.Time) {
	state := hz.Status
	if state == "" {
		state = "unknown"
	}
	fmt.Fprintf(w, "Status:          %s\n", state)
	if !hz.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:         %s\n", humanize.RelTime(hz.StartedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "Routes:          %s\n", humanize.Comma(int64(hz.Routes)))
	fmt.Fprintf(w, "Server streams:  %s\n", humanize.Comma(int64(hz.CachedStreams)))
	fmt.Fprintf(w, "Known servers:   %s\n", humanize.Comma(int64(hz.KnownServers)))
	fmt.Fprintf(w, "UDP devices:     %s\n", humanize.Comma(int64(hz.UDPDevices)))
	if hz.LoRaState != "" {
		fmt.Fprintf(w, "LoRa:            %s (AT mode %s, %d connections)\n", hz.LoRaState, hz.LoRaATMode, hz.LoRaConnections)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Routes opened:   %s\n", humanize.Comma(int64(metricSum(families, "routes_opened_total"))))
	fmt.Fprintf(w, "To servers:      %s\n", humanize.Bytes(uint64(metricSum(families, "bytes_to_server_total"))))
	fmt.Fprintf(w, "To devices:      %s\n", humanize.Bytes(uint64(metricSum(families, "bytes_to_device_total"))))

	drops := metricByLabel(families, "envelopes_dropped_total", "reason")
	if len(drops) > 0 {
		reasons := make([]string, 0, len(drops))
		for r := range drops {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		fmt.Fprintln(w, "Dropped:")
		for _, r := range reasons {
			fmt.Fprintf(w, "  %-14s %s\n", r+":", humanize.Comma(int64(drops[r])))
		}
	}
}
