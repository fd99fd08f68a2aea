// Package deploy implements the deployment coordinator: a persisted state
// machine that rolls one application out in two IaC phases around an image
// build.
//
// Phases run strictly in order:
//
//	NotStarted -> Phase1Planned -> Phase1Applied -> ImagesBuilt ->
//	Phase2Planned -> Phase2Applied -> HealthVerified
//
// Any failure moves the state to Failed with the error recorded. State is
// saved with a compare-and-swap after every transition, and a lease keeps two
// coordinators from driving the same application. A repeated request for a
// revision that is already HealthVerified does no work.
//
// Runner deploys many applications in parallel and retries StaleState and
// LeaseBusy failures with backoff. No other failure is retried.
package deploy
