// Package sim provides simulated agents for exercising the coordination core
// without real workers.
//
// An Agent answers collaboration invites, reports in_progress followed by
// completed or failed for every task request (seeded success probability),
// and votes for the first option of every ballot. A Fleet registers agents
// with a coordinator and heartbeats them on an interval:
//
//	fleet := sim.NewFleet(coordinator, sim.DefaultBehavior(), 15*time.Second, logger)
//	if err := fleet.Spawn(sim.DefaultSpecs()...); err != nil {
//		return err
//	}
//	go fleet.Run(ctx)
package sim
