// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent defines the data model shared by the coordination core.

# Overview

An Agent is an autonomous worker with a declared Domain, a set of capability
tags, an optional Specialization set that widens matching, collaboration
Preferences and a rolling Performance record. Agents own Tasks by ID through
CurrentTasks; a Task is owned by exactly one agent at a time.

	┌──────────────┐   owns    ┌──────────────┐
	│    Agent     │ ────────▶ │     Task     │
	│ status/perf  │  (by ID)  │ status/owner │
	└──────────────┘           └──────────────┘

The sub-packages build on this model:

  - discovery:     registry, health monitor, selector and performance tracker
  - messaging:     bounded message bus with per-conversation history
  - collaboration: session state machine, decisions and the Coordinator facade
  - sim:           simulated agents for demos and tests

# Status

Agent status is one of active, idle, busy, offline, error or collaborating.
Only active and idle agents are eligible for selection (Status.Available).

# Tasks

Task status is one of pending, in_progress, completed, failed or delegated.
Completed and failed are terminal; Task.Finish refuses to leave a terminal
status.
*/
package agent
