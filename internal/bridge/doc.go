// Package bridge implements the job orchestration layer between HTTP
// callers and a remote job-management service: site discovery, job
// paging, cancellation, and guarded access to job output files.
//
// A Client is built per request by a Factory. It holds no state beyond
// the backend it was built with, and every remote failure it returns is
// a *Error carrying one of the Kind values.
package bridge
