// Package cmd provides the Atomica commands.
//
// # Commands
//
// atomicad: Runs an auction node. It serves the participant API, opens a
// sealed-bid batch auction per listed pair every day, clears each one at a
// uniform price after the beacon reveals the bids and settles the matched
// legs across chains against collateral locked on the home chain.
//
//	go run ./cmd/atomicad --config=atomica.yaml
//	go run ./cmd/atomicad --event-log=./atomica.db --admin-token=admin:secret
//
// Without a config file the node runs a local beacon, keeps its event log in
// memory and simulates the aptos and ethereum chains in process. The local
// beacon is served under /beacon and every simulated chain is served as a
// relayer under /relayer/{chain}, so another node can follow both.
//
// # HTTP Configuration Mode
//
// atomicad can wait for its configuration via HTTP POST, useful for TEE
// deployments where configuration is provided after boot:
//
//	# Start the node in wait mode
//	go run ./cmd/atomicad --wait-config --addr=:8080
//
//	# Submit configuration to start the node
//	curl -X POST http://localhost:8080/config --data-binary @atomica.yaml
//
// # Configuration
//
// The --config flag reads a YAML file over the defaults. Command-line flags
// override config file values. See cmd/atomicad for an example file.
//
// # Operations
//
// Epochs run on their own at the daily close. An operator can force a run
// once close has passed:
//
//	curl -u admin:secret -X POST http://localhost:8080/admin/epochs/7/run
//
// Health and drain endpoints (/livez, /readyz, /drain, /undrain) are served
// next to the API; Prometheus metrics are served on --metrics-addr.
package cmd
