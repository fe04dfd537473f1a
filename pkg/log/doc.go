// Package log provides structured, component-scoped logging for the
// scheduler using zerolog. A single package-level Logger is configured via
// Init, and components derive child loggers carrying fixed fields
// (component, task_key, worker_address, client_id, stimulus_id) so a single
// cascade can be traced across every line it produces.
package log
