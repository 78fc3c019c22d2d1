// Package gateway implements the config-derived request-routing and
// pipeline-execution fabric that sits in front of the agentflow
// provider layer (llm.Provider).
//
// A client addresses a virtual model (e.g. "default-chat"). The
// Virtual-Model Scheduler picks a healthy Pipeline Instance for it
// through a Load Balancer, runs the request through a fixed four-stage
// Pipeline Executor (LLMSwitch -> Workflow -> Compatibility ->
// Provider), and on failure consults the Error Handler Center for the
// next action (retry, failover, blacklist, abort). The Pipeline Table
// that maps virtual models to instances is built once from
// GatewayConfig and swapped atomically on reload; nothing on the
// request path mutates it.
package gateway
