/*
Package scheduler feeds deployment plans to the mechanism of a cluster agent.

Every app gets its own worker goroutine with a bounded job queue. Plans and
removals of one app run strictly one at a time in submission order, while
plans of different apps run concurrently:

	Submit(plan) ──┐
	               ▼
	┌──────────────────────────┐      ┌──────────────────────────┐
	│  worker "app-a"          │      │  worker "app-b"          │
	│  p1 ─▶ p2 ─▶ remove      │      │  p7 ─▶ p8                │
	└────────────┬─────────────┘      └────────────┬─────────────┘
	             │                                 │
	             ▼                                 ▼
	      mechanism.Apply                   mechanism.Apply
	             │
	     ┌───────┴──────────┐
	     ▼                  ▼
	 proxy plan         any other plan
	 one update to      COMPONENT_* to each
	 the origin node    owning node

# Replays

A plan whose cluster-tier status in the task log is already terminal is a
replay and is dropped by Submit. Nodes acknowledge the COMPONENT_* messages
they receive with PLAN_EXECUTED, so forwarding marks the node tier as
expected.

# Removal

RemoveApp is queued behind the app's pending plans, so a removal that races
a plan in flight waits for that plan's commit or rollback before it tears the
app down.

	s := scheduler.New(scheduler.Config{
		Mechanism: mech,
		Registry:  reg,
		Tasks:     tasks,
		Notifier:  agent,
	})
	defer s.Stop()

	s.Submit(ctx, plan)
*/
package scheduler
