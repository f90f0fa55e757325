package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mercator-hq/gatekeeper/pkg/limits/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with rate limit policies",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check POLICY...",
	Short: "Parse Helicone-RateLimit-Policy values",
	Long: `Parse one or more Helicone-RateLimit-Policy header values and print
how each would be enforced. The command fails if any value is invalid;
at runtime an invalid policy is ignored and the request is not limited.

Examples:
  gatekeeper policy check "10;w=60"
  gatekeeper policy check "5000;w=3600;u=cents;s=user" "100;w=60;s=tenant"`,
	Args: cobra.MinimumNArgs(1),
	RunE: checkPolicies,
}

func init() {
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}

func checkPolicies(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	resolver := policy.NewKeyResolver()

	invalid := 0
	for _, raw := range args {
		p, err := policy.Parse(raw)
		if err != nil {
			invalid++
			fmt.Fprintf(out, "✗ %v\n", err)
			continue
		}

		fmt.Fprintf(out, "✓ %s\n", p)
		fmt.Fprintf(out, "  quota:   %d %s\n", p.Quota, p.Unit)
		fmt.Fprintf(out, "  window:  %ds\n", p.WindowSeconds)
		fmt.Fprintf(out, "  refill:  %s/s\n", strconv.FormatFloat(p.RefillRate(), 'g', 6, 64))
		fmt.Fprintf(out, "  segment: %s\n", p.Segment)
		if header := resolver.RequiredHeader(p); header != "" {
			fmt.Fprintf(out, "  header:  %s\n", header)
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d policies invalid", invalid, len(args))
	}
	return nil
}
