/*
Package events is the in-process message bus shared by every agent tier.

Messages use one JSON envelope for in-process queues and for cross-tier
transport:

	{"event": "PLAN_EXECUTED", "payload": {...}, "origin": "internal", "operation": "ADDED"}

Plan-bearing payloads always carry plan_uid and, where applicable, the app
name. Decoding errors fail the single message only.

# Queues

A Queue is a bounded FIFO whose Put and Get block and observe context
cancellation. Every agent task is written as one loop over a queue:

	for {
		msg, err := q.Get(ctx)
		if err != nil {
			return
		}
		handle(msg)
	}

# Broker

The Broker fans messages out to subscribers by event tag. The agent publishes
every dispatched message to it; observers (telemetry, tests) subscribe to the
tags they care about. A full subscriber buffer drops the message for that
subscriber only.
*/
package events
