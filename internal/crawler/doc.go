// Package crawler implements the index build pipeline: the crawl phase over
// quarterly listings, checkpointing, the ticker resolution phase and the run
// summary. Collaborators are injected through the interfaces in this package.
package crawler
