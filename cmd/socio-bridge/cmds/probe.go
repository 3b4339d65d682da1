package cmds

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/socio-bridge/pkg/probe"
)

type probeOutput struct {
	URL       string `json:"url"`
	Running   bool   `json:"running"`
	LatencyMs int64  `json:"latencyMs"`
	Body      any    `json:"body,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newProbeCommand(rs *rootSettings) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check once whether the backend answers its health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rs.load(cmd)
			if err != nil {
				return err
			}
			if err := rs.initLogging(cfg.Log); err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.Probe.URL = url
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Probe.Timeout = timeout
			}

			p := probe.NewHTTPProber(cfg.Probe.URL, cfg.Probe.Timeout)
			res, probeErr := p.Probe(cmd.Context())
			out := probeOutput{
				URL:       res.URL,
				Running:   probeErr == nil,
				LatencyMs: res.Latency.Milliseconds(),
				Body:      res.Body,
			}
			if probeErr != nil {
				out.Error = probeErr.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return probeErr
		},
	}
	cmd.Flags().StringVar(&url, "url", probe.DefaultURL, "Health check URL")
	cmd.Flags().DurationVar(&timeout, "timeout", probe.DefaultTimeout, "Request timeout")
	return cmd
}
