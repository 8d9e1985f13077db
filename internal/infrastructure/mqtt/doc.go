// Package mqtt connects gatekeeper to an MQTT broker.
//
// The broker is an optional side channel: gatekeeper publishes security
// events (failed logins, refresh replay, deactivations, session revocations)
// under {prefix}/security/{event} and listens on
// {prefix}/command/revoke-sessions for operator-initiated session kills.
// Authentication itself never depends on the broker being reachable.
//
// The client reconnects automatically with backoff, restores its
// subscriptions on reconnect and uses a retained Last Will on
// {prefix}/system/status so consumers can tell a crash from a shutdown.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishSecurityEvent("login_failed", map[string]any{"ip": ip})
//
// # Security Considerations
//
//   - Use TLS (cfg.Broker.TLS) outside of local development.
//   - Event payloads carry identifiers and addresses, never credentials.
//   - The revoke-sessions topic must be protected by broker ACLs; anyone who
//     can publish to it can log users out.
package mqtt
