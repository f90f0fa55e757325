// Gatekeeper admits LLM gateway traffic through header-driven rate limits
// and a prepaid wallet.
//
// Usage:
//
//	# Start the server with default configuration
//	gatekeeper run
//
//	# Start with a configuration file
//	gatekeeper run --config /etc/gatekeeper/config.yaml
//
//	# Check a rate limit policy header value
//	gatekeeper policy check "1000;w=3600;u=cents;s=user"
//
//	# Inspect or credit a wallet directly in storage
//	gatekeeper wallet state acme --config config.yaml
//	gatekeeper wallet credit acme 500 --reason purchase --reference inv-42
package main

func main() {
	Execute()
}
