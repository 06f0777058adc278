// Package logging provides structured logging for featurepipe runs.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation. Every CLI invocation gets a run id, and the runner,
// dispatcher and review loop derive child loggers carrying the feature
// directory, the step being driven and, for review personas, the persona
// name. The resulting log can be filtered with jq after a run.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(".featurepipe", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLogger := logger.WithRun(runID).WithFeature("specs/001-login")
//	runLogger.WithStep("plan").Info("dispatching", "cli", "claude", "model", "sonnet")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"dispatching","run_id":"...","feature":"specs/001-login","step":"plan","cli":"claude","model":"sonnet"}
//
// # Thread Safety
//
// [Logger] is safe for concurrent use. Child loggers created via the With*
// methods share the underlying handler, so review personas dispatched in
// parallel may log through sibling loggers without coordination.
//
// # Disabled Logging
//
// Components accept a nil logger and fall back to [NopLogger].
package logging
