// Package gearman implements the core of a Gearman job-server protocol
// engine: the binary framing codec, and the Client and Worker state
// machines that track in-flight work and correlate server responses with
// local Task/Job objects.
//
// It does not implement a Gearman server, an administrative text-protocol
// client, job persistence, or workload serialization; workloads are opaque
// byte strings throughout.
package gearman
