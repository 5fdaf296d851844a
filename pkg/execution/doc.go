// Package execution is the capacity-management execution engine.
//
// An Action is one lifecycle operation against a node, a node group or an
// application. The Organizer runs it through a fixed protocol:
//
//  1. Admission and precondition. An optional Admitter and then
//     CheckBeforeAction decide whether the action may run at all. A refusal
//     ends in StateRejected before Submit returns; no worker is started and
//     no lock is taken.
//  2. Locking. The worker holds SynchronizeOn exclusively and every
//     SharedOn target in shared mode. Node-level actions lock the node (or
//     group) exclusively, application-level actions share their node, so
//     application actions on one node overlap while node actions exclude
//     them.
//  3. BeforeAction, then ConcreteAction up to MaxTries times with
//     RetryInterval between attempts. A returned error or a panic is a hard
//     fault and ends the loop at once.
//  4. On success the pending marker of the action object is cleared and
//     AfterAction runs. On failure Compensate runs best-effort; its errors
//     are logged and flag the execution as needing manual intervention.
//  5. FinallyDo runs exactly once, the locks are released, and only then
//     the terminal state (StateSuccFinished or StateAborted) is published.
//
// Submit is fire-and-forget. Callers observe the outcome through the
// returned Execution.
//
// Example:
//
//	org, err := execution.NewOrganizer(execution.DefaultConfig(), controller, repo,
//		execution.WithLogger(logger),
//	)
//	exec := org.Submit(ctx, execution.NewApplicationRestart(app))
//	state, _ := exec.Wait(ctx)
package execution
