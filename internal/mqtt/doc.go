// Package mqtt forwards Study Buddy activity to an MQTT broker so
// household dashboards and phone automations can react to it. Fired
// study reminders, gated tool calls that need a decision, and turn
// completions are published per conversation, along with a retained
// daily usage summary.
//
// The notifier uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// moves the availability topic to "offline" on unexpected disconnects.
//
// Topics, under the configured prefix:
//
//	<prefix>/availability                       online | offline (retained)
//	<prefix>/instances/<id>/reminders           fired reminders (QoS 1)
//	<prefix>/instances/<id>/confirmations       calls awaiting a decision (QoS 1)
//	<prefix>/instances/<id>/turns               turn summaries
//	<prefix>/scheduler/fired                    every task execution
//	<prefix>/usage                              daily usage (retained)
package mqtt
