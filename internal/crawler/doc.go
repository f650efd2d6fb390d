// Package crawler implements the catalog crawling engine: the retrying
// fetcher, pacing, record merging and the orchestrator that walks listing
// pages, fans out detail requests and hands batches to a CatalogSink.
package crawler
