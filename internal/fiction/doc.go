// Package fiction defines the types and collaborator interfaces shared by the
// crawl pipeline: adapters, the diff step, the job queue, the worker, and the
// persistence layer.
package fiction
