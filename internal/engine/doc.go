// Package engine is the business boundary of Flashpoint's incident
// aggregation. It defines the Incident model, the versioned Store
// interface, the bucket lock manager, candidate matching, the merge
// resolver, the fragment worker pool and the lifecycle sweeper.
package engine
